// Command autoblank walks every well of the plate and captures its
// transmission blank, then writes the calibration payload used by the
// platereader service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/capture"
	"github.com/colorcam/plate.report/internal/config"
	"github.com/colorcam/plate.report/internal/display"
	"github.com/colorcam/plate.report/internal/motion"
	"github.com/colorcam/plate.report/internal/sensor"
	"github.com/colorcam/plate.report/internal/timeutil"
)

var (
	devMode     = flag.Bool("dev", false, "Run with a synthetic sensor and a scripted stage")
	configPath  = flag.String("config", config.DefaultPlatePath, "Plate definition file")
	payloadPath = flag.String("calibration", capture.DefaultPayloadPath, "Calibration payload output file")
	stagePort   = flag.String("port", "", "Stage controller serial port (empty: probe)")
	sensorPort  = flag.String("sensor-port", "", "Sensor board serial port")
	homeFirst   = flag.Bool("home", true, "Home the stage before the first move")
	withDark    = flag.Bool("dark", true, "Capture a dark reference before the blanks")
	verbose     = flag.Bool("v", false, "Print each captured blank as a channel table")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	clock := timeutil.RealClock{}

	cfg, err := config.LoadPlateConfig(*configPath)
	if err != nil {
		return fmt.Errorf("plate config %s: %w", *configPath, err)
	}
	if missing := cfg.Corners.MissingCorners(); len(missing) > 0 {
		return fmt.Errorf("plate corners not taught: missing %v", missing)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stage *motion.Session
	var src sensor.FrameSource
	var ill sensor.Illuminator

	if *devMode {
		stage = motion.NewSession(motion.NewScriptedPort(nil), clock, motion.Config{})
		synth := sensor.NewSynthetic(time.Now().UnixNano())
		src, ill = synth, synth
	} else {
		connector := motion.Connector{Opts: cfg.Port, Clock: clock}
		stage, err = connector.Connect(ctx, *stagePort)
		if err != nil {
			return fmt.Errorf("connect stage controller: %w", err)
		}
		if *sensorPort == "" {
			return errors.New("sensor-port is required outside dev mode")
		}
		sensorLink, err := motion.OpenSerial(*sensorPort, cfg.Port)
		if err != nil {
			return fmt.Errorf("open sensor port %s: %w", *sensorPort, err)
		}
		defer sensorLink.Close()
		stream := sensor.NewStreamSource(sensorLink)
		src, ill = stream, stream
	}
	defer stage.Close()

	if *homeFirst {
		log.Print("homing stage")
		if err := stage.Home(); err != nil {
			return fmt.Errorf("home: %w", err)
		}
	}

	engine := calib.NewEngine(clock, calib.DefaultOptions())

	if *withDark {
		log.Print("capturing dark reference")
		if _, err := engine.CaptureDark(src, ill); err != nil {
			return fmt.Errorf("dark capture: %w", err)
		}
	}

	runner := capture.NewRunner(stage, src, ill, engine, nil, clock)
	runID, err := runner.Start(ctx, capture.Params{
		Corners:      cfg.Corners,
		Grid:         cfg.Grid,
		Feedrate:     cfg.GetFeedrate(),
		Settle:       cfg.GetSettleTime(),
		RowPause:     cfg.GetRowPauseTime(),
		Averages:     cfg.GetAverages(),
		RecordBlanks: true,
		PayloadPath:  *payloadPath,
	})
	if err != nil {
		return err
	}
	log.Printf("blank run %s started over %d wells", runID, cfg.Grid.Rows*cfg.Grid.Cols)

	state := waitForRun(runner, clock)
	if *verbose {
		refs := engine.References()
		for _, reading := range state.Readings {
			blank, ok := refs.Blanks[reading.Well]
			if !ok {
				continue
			}
			derived := calib.Derived{Mode: calib.ModeRaw, Values: blank.I0}
			if err := display.WriteTable(os.Stdout, reading.Well, derived); err != nil {
				log.Printf("well %s: print table: %v", reading.Well, err)
			}
		}
	}

	captured := state.DoneWells - len(state.FailedWells)
	fmt.Fprintf(os.Stdout, "captured %d/%d blanks -> %s\n", captured, state.TotalWells, *payloadPath)
	if len(state.FailedWells) > 0 {
		fmt.Fprintf(os.Stdout, "failed wells: %v\n", state.FailedWells)
		return fmt.Errorf("%d wells failed", len(state.FailedWells))
	}
	switch state.Status {
	case capture.RunStatusCancelled:
		return fmt.Errorf("interrupted after %d/%d wells", state.DoneWells, state.TotalWells)
	case capture.RunStatusFailed:
		return fmt.Errorf("blank run failed: %s", state.Error)
	}
	return nil
}

// waitForRun polls the runner until it reaches a terminal status. No extra
// signal handling is needed here: Start was given ctx, so an interrupt
// cancels the run cooperatively and the partial state comes back.
func waitForRun(runner *capture.Runner, clock timeutil.Clock) capture.RunState {
	for {
		state := runner.State()
		if state.Status != capture.RunStatusRunning {
			return state
		}
		clock.Sleep(100 * time.Millisecond)
	}
}
