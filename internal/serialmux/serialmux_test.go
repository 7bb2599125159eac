package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	if mux == nil {
		t.Fatal("NewSerialMux returned nil")
	}
	if mux.subscribers == nil {
		t.Error("subscribers map not initialised")
	}
}

func TestSerialMux_SendCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"bare command", "north,green,1", "north,green,1\r\n"},
		{"newline normalised", "east,red,1\n", "east,red,1\r\n"},
		{"already crlf", "west,yellow,1\r\n", "west,yellow,1\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewTestableSerialPort()
			mux := NewSerialMux(port)
			if err := mux.SendCommand(tt.command); err != nil {
				t.Fatalf("SendCommand() error = %v", err)
			}
			if got := string(port.GetWrittenData()); got != tt.want {
				t.Errorf("written = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSerialMux_SendCommand_WriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("unplugged")
	mux := NewSerialMux(port)

	err := mux.SendCommand("north,green,1")
	if !errors.Is(err, ErrWriteFailed) {
		t.Errorf("expected ErrWriteFailed, got %v", err)
	}
}

type shortWritePort struct{ *TestableSerialPort }

func (p shortWritePort) Write(b []byte) (int, error) { return len(b) - 1, nil }

func TestSerialMux_SendCommand_PartialWrite(t *testing.T) {
	mux := NewSerialMux(shortWritePort{NewTestableSerialPort()})
	if err := mux.SendCommand("north,red,1"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("expected ErrWriteFailed, got %v", err)
	}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	id, ch := mux.Subscribe()
	if id == "" || ch == nil {
		t.Fatal("Subscribe returned empty id or nil channel")
	}

	mux.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Unknown ids are ignored.
	mux.Unsubscribe("missing")
}

func TestSerialMux_Monitor(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData([]byte("ok north green\r\nready\r\n"))

	for _, want := range []string{"ok north green", "ready"} {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("line = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	port.Close()
}

func TestSerialMux_Monitor_ReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("device gone")
	mux := NewSerialMux(port)

	err := mux.Monitor(context.Background())
	if err == nil || !strings.Contains(err.Error(), "device gone") {
		t.Errorf("Monitor() = %v, want device gone", err)
	}
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !port.Closed {
		t.Error("port not closed")
	}
	for _, ch := range []chan string{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Error("subscriber channel still open")
		}
	}
}

func TestSerialMux_AttachAdminRoutes(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodGet, "/debug/send-command", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("send-command status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "north,green,1") {
		t.Error("send-command page missing example")
	}

	form := url.Values{"command": {"south,red,1"}}
	req = httptest.NewRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("send-command-api status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := string(port.GetWrittenData()); got != "south,red,1\r\n" {
		t.Errorf("written = %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty command status = %d, want 400", rec.Code)
	}
}

func TestRandomID(t *testing.T) {
	a, b := randomID(), randomID()
	if len(a) != 16 {
		t.Errorf("randomID length = %d, want 16", len(a))
	}
	if a == b {
		t.Error("randomID returned duplicate values")
	}
}
