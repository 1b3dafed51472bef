package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/dvl.link/internal/api"
	"github.com/banshee-data/dvl.link/internal/config"
	"github.com/banshee-data/dvl.link/internal/db"
	"github.com/banshee-data/dvl.link/internal/dvl"
	"github.com/banshee-data/dvl.link/internal/monitoring"
	"github.com/banshee-data/dvl.link/internal/version"
)

var (
	configPath    = flag.String("config", "", "Path to a TOML config file (defaults are used when empty)")
	devMode       = flag.Bool("dev", false, "Run in dev mode against a simulated DVL")
	disableDevice = flag.Bool("disable-device", false, "Run the API without a DVL attached")
	listen        = flag.String("listen", "", "Listen address (overrides the config file)")
	dbPath        = flag.String("db-path", "", "SQLite database path (overrides the config file)")
	noDB          = flag.Bool("no-db", false, "Do not record reports to SQLite")
	verbose       = flag.Bool("verbose", false, "Log every unrecognised line")
	showVersion   = flag.Bool("version", false, "Print the version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n       %s migrate <command>\n\n", os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

// reportStore keeps a nil *db.DB from becoming a non-nil interface.
func reportStore(store *db.DB) api.ReportStore {
	if store == nil {
		return nil
	}
	return store
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// Main
func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}

	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if cfg.Listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetVerbose(*verbose)
	log.Printf("dvl.link %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := linkDevice
	switch {
	case *disableDevice:
		mode = linkDisabled
	case *devMode:
		mode = linkMock
	}

	link, err := openLink(ctx, cfg, mode)
	if err != nil {
		log.Fatalf("failed to open device link: %v", err)
	}
	defer link.Close()

	var store *db.DB
	if !*noDB {
		store, err = db.NewDB(cfg.DBPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
	}

	sink, closeSinks, err := openSinks(ctx, cfg, store)
	if err != nil {
		log.Fatalf("failed to open outputs: %v", err)
	}
	defer closeSinks()

	session, err := dvl.NewSession(link, sink, cfg.SessionOptions())
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}
	if store != nil {
		session.SetCommandLog(store)
	}

	// The link and decode loop outlive ctx so acoustics can be disabled
	// after a shutdown signal.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the device link
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(runCtx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor device link: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Run(runCtx); err != nil && err != context.Canceled {
			log.Printf("session stopped: %v", err)
		}
		log.Print("decode routine terminated")
	}()

	if mode != linkDisabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startDevice(ctx, session, cfg); err != nil {
				log.Printf("failed to start DVL: %v", err)
				return
			}
			log.Printf("DVL configured (frame %s, speed of sound %.1f m/s)", cfg.Frame, cfg.SpeedOfSound)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(session, reportStore(store)).ServeMux()
		link.AttachAdminRoutes(mux)
		if store != nil {
			store.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    cfg.Listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", cfg.Listen)

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	if mode != linkDisabled {
		stopDevice(session)
	}
	session.Close()
	cancelRun()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
