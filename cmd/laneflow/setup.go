package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/banshee-data/laneflow/internal/config"
	"github.com/banshee-data/laneflow/internal/lanes"
	"github.com/banshee-data/laneflow/internal/network"
	"github.com/banshee-data/laneflow/internal/serialmux"
	"github.com/banshee-data/laneflow/internal/signal"
	"github.com/banshee-data/laneflow/internal/timeutil"
)

// loadSite reads the site tuning file, or config.DefaultConfigPath when it
// exists and no path is given. Any failure falls back to defaults so the
// service still starts.
func loadSite(path string) *config.SiteConfig {
	if path == "" && config.Files.Exists(config.DefaultConfigPath) {
		path = config.DefaultConfigPath
	}
	if path == "" {
		return config.EmptySiteConfig()
	}
	site, err := config.LoadSiteConfig(path)
	if err != nil {
		log.Printf("config: failed to load %s, using defaults: %v", path, err)
		return config.EmptySiteConfig()
	}
	log.Printf("config: loaded site settings from %s", path)
	return site
}

func loadLanes(explicit string) *lanes.Map {
	specs := config.LoadLanesOrEmpty(config.ResolveLaneFile(explicit))
	lm, err := lanes.FromSpecs(specs)
	if err != nil {
		log.Printf("config: invalid lane polygons, running with zero lanes: %v", err)
		return lanes.Empty()
	}
	return lm
}

func loadNetwork(path string) []network.Intersection {
	return network.FromSpecs(config.LoadNetworkOrEmpty(path))
}

type signalOptions struct {
	Disabled bool
	Port     string
	Baud     int
	URL      string
	Heads    map[string]string
	Verbose  bool
}

// signalHead is the chosen signal output behind an AsyncEmitter, so the
// monitor never waits on device I/O.
type signalHead struct {
	Async  *signal.AsyncEmitter
	Serial serialmux.SerialMuxInterface
	http   *signal.HTTPEmitter
}

// openSignalHead picks the output: nothing when disabled, a serial board, a
// networked head, or the log when no device is configured. Serial wins when
// both a port and a URL are given.
func openSignalHead(o signalOptions) (*signalHead, error) {
	h := &signalHead{}
	heads := signal.HeadMap(o.Heads)

	var out signal.Emitter
	switch {
	case o.Disabled:
		log.Printf("signal: output disabled")
		d := serialmux.NewDisabledSerialMux()
		h.Serial = d
		out = &signal.SerialEmitter{Sender: d, Heads: heads}
	case o.Port != "":
		mux, err := serialmux.NewRealSerialMux(o.Port, serialmux.PortOptions{BaudRate: o.Baud})
		if err != nil {
			return nil, fmt.Errorf("failed to open signal head: %w", err)
		}
		log.Printf("signal: driving serial head on %s", o.Port)
		h.Serial = mux
		out = &signal.SerialEmitter{Sender: mux, Heads: heads}
	case o.URL != "":
		log.Printf("signal: driving networked head at %s", o.URL)
		h.http = signal.NewHTTPEmitter(o.URL, heads, nil)
		out = h.http
	default:
		log.Printf("signal: no head configured, logging commands only")
		out = signal.LogEmitter{}
	}

	if o.Verbose {
		if _, isLog := out.(signal.LogEmitter); !isLog {
			out = signal.MultiEmitter{signal.LogEmitter{}, out}
		}
	}
	h.Async = signal.NewAsyncEmitter(out, 32)
	return h, nil
}

// Start puts a networked head under our control.
func (h *signalHead) Start(ctx context.Context) {
	if h.http == nil {
		return
	}
	if err := h.http.SetMode(ctx, "manual"); err != nil {
		log.Printf("signal: failed to switch head to manual: %v", err)
	}
}

// Stop hands a networked head back to its own timer.
func (h *signalHead) Stop() {
	if h.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.http.SetMode(ctx, "auto"); err != nil {
		log.Printf("signal: failed to return head to auto: %v", err)
	}
}

func (h *signalHead) Close() error {
	if h.Serial == nil {
		return nil
	}
	return h.Serial.Close()
}

// pruneInterval is how often old snapshots are deleted.
const pruneInterval = time.Hour

type pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// runPruner deletes snapshots older than retain, once at start and then
// every pruneInterval, until ctx is done.
func runPruner(ctx context.Context, store pruner, clock timeutil.Clock, retain time.Duration) {
	t := clock.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		n, err := store.PruneBefore(ctx, clock.Now().Add(-retain))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Printf("failed to prune snapshots: %v", err)
		case n > 0:
			log.Printf("pruned %d snapshot rows older than %s", n, retain)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C():
		}
	}
}
