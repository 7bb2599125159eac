package serialmux

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"tailscale.com/tsweb"
)

// disabledHistory is how many dropped commands DisabledSerialMux remembers.
const disabledHistory = 64

// DisabledSerialMux stands in for the signal head when it is switched off
// (-disable-signal). Commands are accepted and kept in a short history
// instead of being written, so the admin page shows what the head would
// have been told. Subscribers never receive lines; their channels close on
// Unsubscribe or Close.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
	sent        []string
	total       int
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subscribers: make(map[string]chan string)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

// SendCommand records command and drops it.
func (d *DisabledSerialMux) SendCommand(command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total++
	d.sent = append(d.sent, command)
	if len(d.sent) > disabledHistory {
		d.sent = d.sent[len(d.sent)-disabledHistory:]
	}
	return nil
}

// Sent returns the most recent dropped commands, oldest first, and the
// number dropped since start.
func (d *DisabledSerialMux) Sent() ([]string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...), d.total
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("signal-dropped", "commands dropped while the signal head is disabled", func(w http.ResponseWriter, r *http.Request) {
		sent, total := d.Sent()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "signal head disabled; %d commands dropped, last %d:\n", total, len(sent))
		for _, c := range sent {
			fmt.Fprintln(w, c)
		}
	})
}
