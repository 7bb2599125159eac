package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/laneflow/internal/api"
	"github.com/banshee-data/laneflow/internal/db"
	"github.com/banshee-data/laneflow/internal/detect"
	"github.com/banshee-data/laneflow/internal/intersection"
	"github.com/banshee-data/laneflow/internal/timeutil"
	"github.com/banshee-data/laneflow/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	configPath    = flag.String("config", "", "Site tuning JSON (timings, thresholds, routes)")
	lanesPath     = flag.String("lanes", "", "Lane polygon JSON (default $LANE_FILE, real_lane.json, lanes.json)")
	networkPath   = flag.String("network", "", "Intersection network JSON for the handoff simulation")
	dbPath        = flag.String("db-path", "laneflow.db", "SQLite database for snapshot history; empty disables recording")
	disableSignal = flag.Bool("disable-signal", false, "Do not drive any signal head")
	signalPort    = flag.String("signal-port", "", "Serial port of the signal head board")
	signalBaud    = flag.Int("signal-baud", 0, "Serial baud rate (default 115200)")
	signalURL     = flag.String("signal-url", "", "Base URL of a networked signal head")
	retain        = flag.Duration("retain", 7*24*time.Hour, "Delete recorded snapshots older than this; 0 keeps everything")
	replayPath    = flag.String("replay", "", "Replay detection frames from a JSON Lines file")
	simDriver     = flag.Bool("sim-driver", false, "Tick the simulation in the background instead of on read")
	debug         = flag.Bool("debug", false, "Log every signal command")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: laneflow [flags]\n       laneflow migrate <action>\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if flag.NArg() > 0 && flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}
	if flag.NArg() > 0 {
		log.Fatalf("unknown command %q", flag.Arg(0))
	}

	if err := run(); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

func run() error {
	clock := timeutil.RealClock{}
	site := loadSite(*configPath)
	lm := loadLanes(*lanesPath)
	net := loadNetwork(*networkPath)

	var (
		store *db.DB
		sink  intersection.Sink
		hist  api.HistoryStore
	)
	if *dbPath != "" {
		d, err := db.NewDB(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer d.Close()
		store, sink, hist = d, d, d
	}

	var replay *detect.ReplaySource
	if *replayPath != "" {
		src, err := detect.OpenReplay(*replayPath, clock)
		if err != nil {
			return fmt.Errorf("failed to open replay: %w", err)
		}
		log.Printf("replaying %d frames from %s", src.Len(), *replayPath)
		replay = src
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	heads, err := openSignalHead(signalOptions{
		Disabled: *disableSignal,
		Port:     *signalPort,
		Baud:     *signalBaud,
		URL:      *signalURL,
		Heads:    site.GetSignalHeads(),
		Verbose:  *debug,
	})
	if err != nil {
		return err
	}
	defer heads.Close()

	mon := intersection.New(intersection.Options{
		Site:    site,
		Lanes:   lm,
		Network: net,
		Clock:   clock,
		Emitter: heads.Async,
		Sink:    sink,
	})
	log.Printf("%s run %s: %d lanes, listening on %s", version.String(), mon.RunID(), lm.Len(), *listen)

	heads.Async.OnFailure = mon.ResyncSignals

	var wg sync.WaitGroup

	if heads.Serial != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := heads.Serial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor signal head serial port: %v", err)
			}
			log.Print("serial monitor routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		heads.Async.Run(ctx)
		dropped, failed := heads.Async.Stats()
		log.Printf("signal emitter stopped (dropped=%d failed=%d)", dropped, failed)
	}()
	heads.Start(ctx)
	mon.SyncSignals(ctx)

	if sink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mon.RunRecorder(ctx)
		}()
	}

	if store != nil && *retain > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPruner(ctx, store, clock, *retain)
		}()
	}

	if *simDriver {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mon.RunSimulation(ctx, site.GetTickInterval())
		}()
	}

	if replay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mon.Consume(ctx, replay); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("replay stopped: %v", err)
			}
			log.Printf("replay finished after %d frames", mon.Processed())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(mon, hist, site, clock).ServeMux()
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		}
		if heads.Serial != nil {
			heads.Serial.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:              *listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	heads.Stop()
	return nil
}
