// Package api exposes the plate reader over HTTP: run control,
// calibration capture, mode switching, readings, and spectrum charts.
package api

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/capture"
	"github.com/colorcam/plate.report/internal/config"
	"github.com/colorcam/plate.report/internal/geometry"
	"github.com/colorcam/plate.report/internal/motion"
	"github.com/colorcam/plate.report/internal/sensor"
	"github.com/colorcam/plate.report/internal/spectral"
	"github.com/colorcam/plate.report/internal/store"
	"github.com/colorcam/plate.report/internal/timeutil"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// StageLink is the motion surface the API needs. *motion.Session
// implements it; dev mode substitutes a scripted link.
type StageLink interface {
	MoveTo(p geometry.Point, feedrate int) error
	Home() error
	QueryPosition() (geometry.Point, bool)
	State() motion.LinkState
}

type Server struct {
	runner  *capture.Runner
	engine  *calib.Engine
	stage   StageLink
	src     sensor.FrameSource
	ill     sensor.Illuminator
	db      *store.Store
	clock   timeutil.Clock

	cfgMu       sync.Mutex
	cfg         *config.PlateConfig
	cfgPath     string
	payloadPath string

	liveMu       sync.Mutex
	liveSmoothed spectral.Vector
}

// liveSmoothingAlpha is the EMA weight for the live display: heavy enough
// to follow a cuvette swap, light enough to quiet shot noise.
const liveSmoothingAlpha = 0.30

// NewServer wires the HTTP surface. db may be nil when persistence is
// disabled.
func NewServer(runner *capture.Runner, engine *calib.Engine, stage StageLink, src sensor.FrameSource, ill sensor.Illuminator, db *store.Store, cfg *config.PlateConfig, cfgPath, payloadPath string, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		runner:      runner,
		engine:      engine,
		stage:       stage,
		src:         src,
		ill:         ill,
		db:          db,
		cfg:         cfg,
		cfgPath:     cfgPath,
		payloadPath: payloadPath,
		clock:       clock,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/calibrate", s.handleCalibrate)
	mux.HandleFunc("/api/corners", s.handleCorners)
	mux.HandleFunc("/api/home", s.handleHome)
	mux.HandleFunc("/api/readings", s.handleReadings)
	mux.HandleFunc("/api/live", s.handleLive)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/spectrum.png", s.handleSpectrumPNG)
	mux.HandleFunc("/charts/spectrum", s.handleSpectrumChart)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
