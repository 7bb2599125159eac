// Command signal-tester exercises a signal head without the monitor: it sends
// one command, or cycles every head through green, yellow and red.
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

	"github.com/banshee-data/laneflow/internal/config"
	"github.com/banshee-data/laneflow/internal/serialmux"
	sig "github.com/banshee-data/laneflow/internal/signal"
)

var (
	port   = flag.String("port", "", "Serial port of the signal head board")
	baud   = flag.Int("baud", 0, "Serial baud rate (default 115200)")
	url    = flag.String("url", "", "Base URL of a networked signal head")
	lane   = flag.String("lane", "lane_1", "Lane to command")
	color  = flag.String("color", "green", "Color to set: green, yellow or red")
	off    = flag.Bool("off", false, "Deactivate the color instead of activating it")
	cycle  = flag.Bool("cycle", false, "Cycle every head through green, yellow, red")
	rounds = flag.Int("rounds", 1, "Number of cycles with -cycle")
	dwell  = flag.Duration("dwell", 2*time.Second, "Time each color is held with -cycle")
)

func main() {
	flag.Parse()

	emitter, closeFn, err := openEmitter()
	if err != nil {
		log.Fatal(err)
	}
	defer closeFn()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *cycle {
		err = runCycle(ctx, emitter, sig.HeadMap(config.DefaultSignalHeads), *rounds, *dwell)
	} else {
		var cmd sig.Command
		cmd, err = parseCommand(*lane, *color, !*off)
		if err == nil {
			err = emitter.Emit(ctx, []sig.Command{cmd})
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("signal-tester: %v", err)
		os.Exit(1)
	}
}

func openEmitter() (sig.Emitter, func(), error) {
	heads := sig.HeadMap(config.DefaultSignalHeads)
	switch {
	case *port != "":
		mux, err := serialmux.NewRealSerialMux(*port, serialmux.PortOptions{BaudRate: *baud})
		if err != nil {
			return nil, nil, err
		}
		out := sig.MultiEmitter{sig.LogEmitter{}, &sig.SerialEmitter{Sender: mux, Heads: heads}}
		return out, func() { mux.Close() }, nil
	case *url != "":
		h := sig.NewHTTPEmitter(*url, heads, nil)
		if err := h.SetMode(context.Background(), "manual"); err != nil {
			return nil, nil, fmt.Errorf("failed to take manual control: %w", err)
		}
		restore := func() {
			if err := h.SetMode(context.Background(), "auto"); err != nil {
				log.Printf("failed to return head to auto: %v", err)
			}
		}
		return sig.MultiEmitter{sig.LogEmitter{}, h}, restore, nil
	default:
		log.Printf("no -port or -url given, printing commands only")
		return sig.LogEmitter{}, func() {}, nil
	}
}

func parseCommand(lane, color string, activate bool) (sig.Command, error) {
	c := sig.Color(color)
	switch c {
	case sig.Green, sig.Yellow, sig.Red:
	default:
		return sig.Command{}, fmt.Errorf("unknown color %q", color)
	}
	return sig.Command{Lane: lane, Color: c, Activate: activate}, nil
}

// cycleSteps lists the commands that show one color on every head.
func cycleSteps(heads sig.HeadMap, c sig.Color) []sig.Command {
	out := make([]sig.Command, 0, 3*len(heads))
	for lane := range heads {
		for _, other := range []sig.Color{sig.Green, sig.Yellow, sig.Red} {
			out = append(out, sig.Command{Lane: lane, Color: other, Activate: other == c})
		}
	}
	return out
}

func runCycle(ctx context.Context, e sig.Emitter, heads sig.HeadMap, rounds int, dwell time.Duration) error {
	for i := 0; i < rounds; i++ {
		for _, c := range []sig.Color{sig.Green, sig.Yellow, sig.Red} {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.Emit(ctx, cycleSteps(heads, c)); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(dwell):
			}
		}
	}
	return nil
}
