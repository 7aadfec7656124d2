// Command sortcell runs the garbage sorting cell: it connects the robot arm
// (virtual in dev mode, uArm Swift Pro over serial otherwise), builds the
// camera-to-robot projection from calibration, and serves the control API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/marigold-robotics/sortcell/internal/api"
	"github.com/marigold-robotics/sortcell/internal/arm"
	"github.com/marigold-robotics/sortcell/internal/config"
	"github.com/marigold-robotics/sortcell/internal/db"
	"github.com/marigold-robotics/sortcell/internal/sequencer"
	"github.com/marigold-robotics/sortcell/internal/serialmux"
	"github.com/marigold-robotics/sortcell/internal/version"
	"github.com/marigold-robotics/sortcell/internal/vision"
)

var (
	devMode    = flag.Bool("dev", false, "Run with a virtual arm instead of serial hardware")
	listen     = flag.String("listen", ":8080", "Listen address")
	port       = flag.String("port", "", "Serial port (empty = autodetect, ignored in dev mode)")
	configPath = flag.String("config", config.DefaultConfigPath, "Path to cell config JSON")
	dbFile     = flag.String("db", "jobs.db", "Path to the jobs database")
	migrations = flag.String("migrations", "migrations", "Path to the migrations directory")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("sortcell %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg, err := config.LoadCellConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lens, err := cfg.LoadLens()
	if err != nil {
		log.Fatalf("Failed to load lens calibration: %v", err)
	}
	frameW, frameH := cfg.GetFrameSize()
	projector, err := vision.NewProjector(cfg.GetCalibration(), lens, cfg.GetEnvelope(), frameW, frameH)
	if err != nil {
		log.Fatalf("Failed to fit calibration: %v", err)
	}
	if residuals, err := projector.Validate(); err == nil {
		log.Printf("calibration fitted over %d points, max residual %.3fmm",
			len(residuals), vision.MaxResidual(residuals))
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	homeX, homeY, homeZ := cfg.GetHome()
	var driver arm.Driver
	var serialAdmin interface{ AttachAdminRoutes(*http.ServeMux) }

	if *devMode {
		driver = arm.NewVirtual()
	} else {
		path := *port
		if path == "" {
			path = cfg.GetSerialPort()
		}
		if path == "" {
			path, err = arm.DetectPort()
			if err != nil {
				log.Fatalf("Failed to detect serial port: %v", err)
			}
			log.Printf("detected arm serial port %s", path)
		}

		serial, err := serialmux.NewRealMux(path, serialmux.PortOptions{BaudRate: cfg.GetBaudRate()})
		if err != nil {
			log.Fatalf("Failed to open serial port %s: %v", path, err)
		}
		defer serial.Close()

		// run the monitor routine to manage IO on the serial port
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serial.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("failed to monitor serial port: %v", err)
			}
			log.Print("monitor routine terminated")
		}()

		driver = arm.NewUArm(serial, arm.UArmOptions{
			Home:       arm.Position{X: homeX, Y: homeY, Z: homeZ},
			AckTimeout: cfg.GetMoveTimeout(),
			Speed:      cfg.GetSpeed(),
		})
		serialAdmin = serial
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.GetConnectTimeout())
	if err := driver.Connect(connectCtx); err != nil {
		cancel()
		log.Fatalf("Failed to connect to arm: %v", err)
	}
	cancel()
	defer driver.Disconnect()
	log.Printf("arm connected: %+v", driver.Capabilities())

	store, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	if err := store.MigrateUp(*migrations); err != nil {
		log.Printf("migrations not applied: %v", err)
	}

	seq := sequencer.New(driver, projector, cfg, store)

	// job execution worker
	wg.Add(1)
	go func() {
		defer wg.Done()
		seq.Run(ctx)
		log.Print("sequencer routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		httpMux := api.NewServer(seq, driver, store, cfg, projector).ServeMux()
		store.AttachAdminRoutes(httpMux)
		if serialAdmin != nil {
			serialAdmin.AttachAdminRoutes(httpMux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(httpMux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
