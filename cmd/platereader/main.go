// Command platereader runs the plate reader service: it connects the stage
// controller and the sensor board, restores persisted calibration, and
// serves the control API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/colorcam/plate.report/internal/api"
	"github.com/colorcam/plate.report/internal/calib"
	"github.com/colorcam/plate.report/internal/capture"
	"github.com/colorcam/plate.report/internal/config"
	"github.com/colorcam/plate.report/internal/motion"
	"github.com/colorcam/plate.report/internal/sensor"
	"github.com/colorcam/plate.report/internal/store"
	"github.com/colorcam/plate.report/internal/timeutil"
)

var (
	devMode     = flag.Bool("dev", false, "Run with a synthetic sensor and a scripted stage")
	listen      = flag.String("listen", ":8080", "Listen address")
	configPath  = flag.String("config", config.DefaultPlatePath, "Plate definition file")
	payloadPath = flag.String("calibration", capture.DefaultPayloadPath, "Calibration payload file")
	dbPath      = flag.String("db", "plate_data.db", "Measurement history database")
	stagePort   = flag.String("port", "", "Stage controller serial port (empty: probe)")
	sensorPort  = flag.String("sensor-port", "", "Sensor board serial port")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	clock := timeutil.RealClock{}

	cfg, err := config.LoadPlateConfig(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("plate config %s: %v; using defaults", *configPath, err)
		}
		cfg = config.DefaultPlateConfig()
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
		log.Print("dev mode: synthetic sensor, scripted stage")
	} else {
		connector := motion.Connector{Opts: cfg.Port, Clock: clock}
		stage, err = connector.Connect(ctx, *stagePort)
		if err != nil {
			log.Fatalf("failed to connect stage controller: %v", err)
		}
		if *sensorPort == "" {
			log.Fatal("sensor-port is required outside dev mode")
		}
		sensorLink, err := motion.OpenSerial(*sensorPort, cfg.Port)
		if err != nil {
			log.Fatalf("failed to open sensor port %s: %v", *sensorPort, err)
		}
		defer sensorLink.Close()
		stream := sensor.NewStreamSource(sensorLink)
		src, ill = stream, stream
	}
	defer stage.Close()

	engine := calib.NewEngine(clock, calib.DefaultOptions())
	if payload, err := capture.LoadPayload(*payloadPath); err != nil {
		log.Printf("calibration payload: %v; starting with unset references", err)
	} else if payload != nil {
		dropped := payload.Restore(engine, cfg.Grid)
		if len(dropped) > 0 {
			log.Printf("dropped blanks for wells no longer on the plate: %v", dropped)
		}
		log.Printf("restored calibration from %s (captured %s)", *payloadPath, payload.Timestamp.Format(time.RFC3339))
	}

	db, err := store.NewStore(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	runner := capture.NewRunner(stage, src, ill, engine, db, clock)
	server := api.NewServer(runner, engine, stage, src, ill, db, cfg, *configPath, *payloadPath, clock)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(server.ServeMux()),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	// stop any in-flight run when the process is asked to exit
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		runner.Cancel()
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
