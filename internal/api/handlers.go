package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/capture"
	"github.com/colorcam/plate.report/internal/display"
	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/httputil"
	"github.com/colorcam/plate.report/internal/spectral"
)

// stateResponse is the aggregate status document for the dashboard.
type stateResponse struct {
	Link            string           `json:"link"`
	Position        *geometry.Point  `json:"position,omitempty"`
	Mode            calib.Mode       `json:"mode"`
	Grid            geometry.Grid    `json:"grid"`
	CornersComplete bool             `json:"corners_complete"`
	MissingCorners  []string         `json:"missing_corners,omitempty"`
	DarkSet         bool             `json:"dark_set"`
	WhiteSet        bool             `json:"white_set"`
	BlankWells      []string         `json:"blank_wells"`
	Run             capture.RunState `json:"run"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	s.cfgMu.Lock()
	grid := s.cfg.Grid
	corners := s.cfg.Corners
	s.cfgMu.Unlock()

	refs := s.engine.References()
	blankWells := make([]string, 0, len(refs.Blanks))
	for well := range refs.Blanks {
		blankWells = append(blankWells, well)
	}
	sort.Strings(blankWells)

	resp := stateResponse{
		Link:            string(s.stage.State()),
		Mode:            s.engine.Mode(),
		Grid:            grid,
		CornersComplete: corners.Complete(),
		MissingCorners:  corners.MissingCorners(),
		DarkSet:         refs.Dark != nil,
		WhiteSet:        refs.White != nil,
		BlankWells:      blankWells,
		Run:             s.runner.State(),
	}
	if pos, known := s.stage.QueryPosition(); known {
		resp.Position = &pos
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	s.cfgMu.Lock()
	params := capture.Params{
		Corners:  s.cfg.Corners,
		Grid:     s.cfg.Grid,
		Feedrate: s.cfg.GetFeedrate(),
		Settle:   s.cfg.GetSettleTime(),
		RowPause: s.cfg.GetRowPauseTime(),
		Averages: s.cfg.GetAverages(),
	}
	s.cfgMu.Unlock()

	// Run outlives the request, so it gets its own context.
	runID, err := s.runner.Start(context.Background(), params)
	if err != nil {
		var cornersErr *geometry.IncompleteCornersError
		if errors.As(err, &cornersErr) {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.runner.Cancel()
	httputil.WriteJSONOK(w, map[string]string{"status": "cancel requested"})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, map[string]calib.Mode{"mode": s.engine.Mode()})
	case http.MethodPost:
		var req modeRequest
		if r.Body != nil {
			// an empty or absent body means "cycle"
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if req.Mode == "" {
			httputil.WriteJSONOK(w, map[string]calib.Mode{"mode": s.engine.CycleMode()})
			return
		}
		if err := s.engine.SetMode(calib.Mode(req.Mode)); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]calib.Mode{"mode": s.engine.Mode()})
	default:
		httputil.MethodNotAllowed(w)
	}
}

type calibrateRequest struct {
	Kind string `json:"kind"`
	Well string `json:"well,omitempty"`
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req calibrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body: "+err.Error())
		return
	}

	switch req.Kind {
	case "dark":
		if _, err := s.engine.CaptureDark(s.src, s.ill); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	case "white":
		if _, err := s.engine.CaptureWhite(s.src, s.ill); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	case "blank":
		if err := s.captureBlankAt(req.Well); err != nil {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown calibration kind %q", req.Kind))
		return
	}

	s.persistPayload()
	httputil.WriteJSONOK(w, map[string]string{"captured": req.Kind})
}

// captureBlankAt moves to the well, then captures its transmission
// reference.
func (s *Server) captureBlankAt(well string) error {
	if well == "" {
		return fmt.Errorf("blank capture requires a well")
	}
	s.cfgMu.Lock()
	corners := s.cfg.Corners
	grid := s.cfg.Grid
	feedrate := s.cfg.GetFeedrate()
	s.cfgMu.Unlock()

	pos, err := geometry.WellPosition(corners, grid, well)
	if err != nil {
		return err
	}
	if err := s.stage.MoveTo(pos, feedrate); err != nil {
		return fmt.Errorf("move to %s: %w", well, err)
	}
	if _, err := s.engine.CaptureBlank(well, s.src, s.ill); err != nil {
		return err
	}
	return nil
}

// persistPayload snapshots the references to disk. Skipped while the plate
// is untaught since the payload embeds well positions.
func (s *Server) persistPayload() {
	s.cfgMu.Lock()
	corners := s.cfg.Corners
	grid := s.cfg.Grid
	s.cfgMu.Unlock()

	if s.payloadPath == "" || !corners.Complete() {
		return
	}
	payload, err := capture.NewPayload(s.engine, corners, grid, s.clock.Now())
	if err != nil {
		log.Printf("api: snapshot calibration: %v", err)
		return
	}
	if err := payload.Save(s.payloadPath); err != nil {
		log.Printf("api: persist calibration: %v", err)
	}
}

type cornerRequest struct {
	Corner   string          `json:"corner"`
	Position *geometry.Point `json:"position,omitempty"`
}

func (s *Server) handleCorners(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.cfgMu.Lock()
		corners := s.cfg.Corners
		s.cfgMu.Unlock()
		httputil.WriteJSONOK(w, corners)
	case http.MethodPost:
		var req cornerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid request body: "+err.Error())
			return
		}
		pos := req.Position
		if pos == nil {
			p, known := s.stage.QueryPosition()
			if !known {
				httputil.WriteJSONError(w, http.StatusConflict, "stage position unknown; home first or supply a position")
				return
			}
			pos = &p
		}

		s.cfgMu.Lock()
		defer s.cfgMu.Unlock()
		switch req.Corner {
		case "top_left":
			s.cfg.Corners.TopLeft = *pos
		case "top_right":
			s.cfg.Corners.TopRight = *pos
		case "bottom_left":
			s.cfg.Corners.BottomLeft = *pos
		case "bottom_right":
			s.cfg.Corners.BottomRight = *pos
		default:
			httputil.BadRequest(w, fmt.Sprintf("unknown corner %q", req.Corner))
			return
		}
		if s.cfgPath != "" {
			if err := s.cfg.Save(s.cfgPath); err != nil {
				httputil.InternalServerError(w, err.Error())
				return
			}
		}
		httputil.WriteJSONOK(w, s.cfg.Corners)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.stage.Home(); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"link": string(s.stage.State())})
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		httputil.WriteJSONOK(w, s.runner.State().Readings)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "persistence disabled")
		return
	}
	measurements, err := s.db.Measurements(runID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, measurements)
}

// liveResponse is one smoothed sensor frame for the dashboard's live view.
type liveResponse struct {
	Well      string          `json:"well,omitempty"`
	Raw       spectral.Vector `json:"raw"`
	Smoothed  spectral.Vector `json:"smoothed"`
	Derived   calib.Derived   `json:"derived"`
	Timestamp time.Time       `json:"timestamp"`
}

// handleLive reads one frame, folds it into the exponential moving average,
// and reduces the smoothed frame through the active mode. The raw frame is
// returned alongside so the dashboard can show both traces.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.runner.State().Status == capture.RunStatusRunning {
		httputil.WriteJSONError(w, http.StatusConflict, "a run owns the sensor; poll /api/readings instead")
		return
	}
	frame, err := s.src.ReadFrame()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	s.liveMu.Lock()
	if next, emaErr := spectral.EMA(s.liveSmoothed, frame, liveSmoothingAlpha); emaErr == nil {
		s.liveSmoothed = next
	} else {
		// first frame, or the channel width changed: restart the filter
		s.liveSmoothed = frame.Clone()
	}
	smoothed := s.liveSmoothed.Clone()
	s.liveMu.Unlock()

	well := r.URL.Query().Get("well")
	httputil.WriteJSONOK(w, liveResponse{
		Well:      well,
		Raw:       frame,
		Smoothed:  smoothed,
		Derived:   s.engine.Reduce(smoothed, well),
		Timestamp: s.clock.Now(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "persistence disabled")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}
	history, err := s.db.RunHistory(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, history)
}

// readingFor finds a well's reading in the current run state.
func (s *Server) readingFor(well string) (capture.Reading, bool) {
	for _, reading := range s.runner.State().Readings {
		if reading.Well == well && reading.Err == "" {
			return reading, true
		}
	}
	return capture.Reading{}, false
}

func (s *Server) handleSpectrumPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	well := r.URL.Query().Get("well")
	reading, ok := s.readingFor(well)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("no reading for well %q", well))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	title := fmt.Sprintf("%s (%s)", reading.Well, reading.Derived.Mode)
	if err := display.RenderSpectrumPNG(w, title, reading.Derived.Values); err != nil {
		log.Printf("api: render spectrum png: %v", err)
	}
}

func (s *Server) handleSpectrumChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	well := r.URL.Query().Get("well")
	reading, ok := s.readingFor(well)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("no reading for well %q", well))
		return
	}
	chart := display.SpectrumChart(reading.Well, string(reading.Derived.Mode), reading.Derived.Values)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := chart.Render(w); err != nil {
		log.Printf("api: render spectrum chart: %v", err)
	}
}
