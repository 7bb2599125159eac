// Package serialmux owns the serial link to a signal head board. Many
// readers can follow the lines the board prints while commands to it are
// written one at a time.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// LineTerminator ends every command; the board firmware reads up to CRLF.
const LineTerminator = "\r\n"

// subscriberBuffer is how many unread lines a subscriber may fall behind
// before it starts missing them.
const subscriberBuffer = 8

// SerialMuxInterface is what the signal emitters and the admin pages need
// from a signal head link. SerialMux and DisabledSerialMux implement it.
type SerialMuxInterface interface {
	// Subscribe returns an id and a channel of lines read from the board.
	Subscribe() (string, chan string)
	// Unsubscribe closes and forgets the channel for id.
	Unsubscribe(string)
	SendCommand(string) error
	// Monitor reads until ctx ends or the port fails.
	Monitor(context.Context) error
	Close() error
	// AttachAdminRoutes adds pages under /debug/, reachable from
	// localhost or the tailnet only.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux implements SerialMuxInterface over any SerialPorter.
type SerialMux[T SerialPorter] struct {
	port T

	writeMu sync.Mutex

	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
}

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{port: port, subscribers: map[string]chan string{}}
}

// randomID is 8 random bytes, hex encoded.
func randomID() string {
	var b [8]byte
	crand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string, subscriberBuffer)
	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// SendCommand writes command followed by exactly one CRLF.
func (s *SerialMux[T]) SendCommand(command string) error {
	line := []byte(strings.TrimRight(command, "\r\n") + LineTerminator)
	s.writeMu.Lock()
	n, err := s.port.Write(line)
	s.writeMu.Unlock()
	switch {
	case err != nil:
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	case n != len(line):
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(line))
	}
	return nil
}

// publish hands line to every subscriber with room for it. It reports
// false once the mux is closed.
func (s *SerialMux[T]) publish(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return true
}

func (s *SerialMux[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Monitor reads lines from the board and publishes them. It returns the
// read error, nil at EOF or after Close, or ctx.Err().
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	// Scan blocks in Read, so it runs apart from the select below.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.port)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSuffix(sc.Text(), "\r"):
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				err := <-readErr
				if s.isClosed() {
					return nil
				}
				return err
			}
			if !s.publish(line) {
				return nil
			}
		}
	}
}

// Close ends every subscription and closes the port.
func (s *SerialMux[T]) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()
	return s.port.Close()
}

var consolePage = template.Must(template.New("console").Parse(`<!doctype html>
<html><head><title>signal head</title></head>
<body>
<h1>Send signal head command</h1>
<form method="post" action="send-command-api">
<input name="command" placeholder="north,green,1" autofocus>
<button type="submit">Send</button>
</form>
<p>Examples: <code>north,green,1</code>, <code>east,red,1</code></p>
<pre id="tail"></pre>
<script>
const es = new EventSource("tail");
es.onmessage = (e) => { document.getElementById("tail").textContent += e.data + "\n"; };
</script>
</body></html>
`))

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command to the signal head", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := consolePage.Execute(w, nil); err != nil {
			http.Error(w, "render failed", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cmd := strings.TrimSpace(r.FormValue("command"))
		if cmd == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(cmd); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "sent %q\n", cmd)
	})

	// Lines from the board as server-sent events.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")

		id, ch := s.Subscribe()
		defer s.Unsubscribe(id)
		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case line, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
