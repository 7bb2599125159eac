package signal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/laneflow/internal/httputil"
	"github.com/banshee-data/laneflow/internal/monitoring"
)

// Command sets one lane's light.
type Command struct {
	Lane     string `json:"lane"`
	Color    Color  `json:"color"`
	Activate bool   `json:"activate"`
}

// Emitter pushes commands to a display or signal head. Implementations
// report failures but never retry.
type Emitter interface {
	Emit(ctx context.Context, cmds []Command) error
}

// NopEmitter discards commands.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, []Command) error { return nil }

// LogEmitter writes each command to the diagnostic log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, cmds []Command) error {
	for _, c := range cmds {
		monitoring.Logf("signal: %s -> %s", c.Lane, c.Color)
	}
	return nil
}

// MultiEmitter fans commands out to every emitter and joins their errors.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, cmds []Command) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, cmds); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HeadMap translates lane ids to the names a signal head understands.
// Lanes without an entry have no physical head and are skipped.
type HeadMap map[string]string

func (h HeadMap) resolve(lane string) (string, bool) {
	name, ok := h[lane]
	return name, ok && name != ""
}

// CommandSender writes one line to a device, e.g. a serialmux.SerialMux.
type CommandSender interface {
	SendCommand(string) error
}

// FormatSerial renders a command as "<head>,<color>,<0|1>".
func FormatSerial(head string, c Command) string {
	state := 0
	if c.Activate {
		state = 1
	}
	return fmt.Sprintf("%s,%s,%d", head, c.Color, state)
}

// SerialEmitter drives a signal head board over a serial line.
type SerialEmitter struct {
	Sender CommandSender
	Heads  HeadMap
}

func (s *SerialEmitter) Emit(_ context.Context, cmds []Command) error {
	var errs []error
	for _, c := range cmds {
		head, ok := s.Heads.resolve(c.Lane)
		if !ok {
			continue
		}
		if err := s.Sender.SendCommand(FormatSerial(head, c)); err != nil {
			errs = append(errs, fmt.Errorf("serial %s: %w", head, err))
		}
	}
	return errors.Join(errs...)
}

// HTTPEmitter drives a networked signal head through its /control and
// /mode endpoints.
type HTTPEmitter struct {
	BaseURL string
	Heads   HeadMap
	Client  httputil.HTTPClient
	Timeout time.Duration
}

// NewHTTPEmitter returns an emitter with the default 500ms request timeout.
func NewHTTPEmitter(baseURL string, heads HeadMap, client httputil.HTTPClient) *HTTPEmitter {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPEmitter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Heads:   heads,
		Client:  client,
		Timeout: 500 * time.Millisecond,
	}
}

func (h *HTTPEmitter) get(ctx context.Context, path string, q url.Values) error {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("signal head request %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("signal head request %s: status %d", path, resp.StatusCode)
	}
	return nil
}

func (h *HTTPEmitter) Emit(ctx context.Context, cmds []Command) error {
	var errs []error
	for _, c := range cmds {
		head, ok := h.Heads.resolve(c.Lane)
		if !ok {
			continue
		}
		state := "0"
		if c.Activate {
			state = "1"
		}
		q := url.Values{"lane": {head}, "color": {string(c.Color)}, "state": {state}}
		if err := h.get(ctx, "/control", q); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetMode switches the head between "manual" (driven by us) and "auto"
// (its own fixed timer).
func (h *HTTPEmitter) SetMode(ctx context.Context, mode string) error {
	return h.get(ctx, "/mode", url.Values{"set": {mode}})
}

// ErrQueueFull is returned by AsyncEmitter.Emit when a batch is dropped.
var ErrQueueFull = errors.New("signal emitter queue full")

// AsyncEmitter queues command batches and delivers them from a single
// worker so that callers never wait on device I/O. Batches are delivered in
// order; when the queue is full the batch is dropped and Emit returns
// ErrQueueFull.
type AsyncEmitter struct {
	next  Emitter
	queue chan []Command

	// OnFailure, if set before Run, is called after a batch fails to
	// deliver.
	OnFailure func()

	mu      sync.Mutex
	dropped int
	failed  int
}

// NewAsyncEmitter wraps next with a queue of the given depth.
func NewAsyncEmitter(next Emitter, depth int) *AsyncEmitter {
	if depth <= 0 {
		depth = 16
	}
	return &AsyncEmitter{next: next, queue: make(chan []Command, depth)}
}

// Emit enqueues cmds and returns immediately.
func (a *AsyncEmitter) Emit(_ context.Context, cmds []Command) error {
	if len(cmds) == 0 {
		return nil
	}
	select {
	case a.queue <- cmds:
		return nil
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		return fmt.Errorf("%w: dropped %d commands", ErrQueueFull, len(cmds))
	}
}

// Run delivers queued batches until ctx is done, then drains what is left
// with a short grace period.
func (a *AsyncEmitter) Run(ctx context.Context) {
	for {
		select {
		case cmds := <-a.queue:
			a.deliver(ctx, cmds)
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			for {
				select {
				case cmds := <-a.queue:
					a.deliver(drain, cmds)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncEmitter) deliver(ctx context.Context, cmds []Command) {
	if err := a.next.Emit(ctx, cmds); err != nil {
		a.mu.Lock()
		a.failed++
		a.mu.Unlock()
		monitoring.Logf("signal: emit failed: %v", err)
		if a.OnFailure != nil {
			a.OnFailure()
		}
	}
}

// Stats returns how many batches were dropped and how many failed.
func (a *AsyncEmitter) Stats() (dropped, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped, a.failed
}
