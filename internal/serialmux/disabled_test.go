package serialmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// closedWithin reports whether ch is closed, without a value, before d.
func closedWithin(ch chan string, d time.Duration) bool {
	select {
	case _, ok := <-ch:
		return !ok
	case <-time.After(d):
		return false
	}
}

func TestDisabledSerialMux_Subscriptions(t *testing.T) {
	d := NewDisabledSerialMux()
	idA, a := d.Subscribe()
	_, b := d.Subscribe()
	_, c := d.Subscribe()

	d.Unsubscribe(idA)
	if !closedWithin(a, time.Second) {
		t.Fatal("Unsubscribe left the channel open")
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for i, ch := range []chan string{b, c} {
		if !closedWithin(ch, time.Second) {
			t.Errorf("subscriber %d still open after Close", i)
		}
	}
	d.Unsubscribe(idA)
}

func TestDisabledSerialMux_RecordsDroppedCommands(t *testing.T) {
	d := NewDisabledSerialMux()
	for i := 0; i < disabledHistory+2; i++ {
		if err := d.SendCommand(fmt.Sprintf("north,green,%d", i%2)); err != nil {
			t.Fatalf("SendCommand() error = %v", err)
		}
	}
	sent, total := d.Sent()
	if total != disabledHistory+2 || len(sent) != disabledHistory {
		t.Fatalf("Sent() = %d commands, total %d", len(sent), total)
	}
	if sent[0] != "north,green,0" {
		t.Errorf("oldest kept = %q", sent[0])
	}

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)
	req := httptest.NewRequest(http.MethodGet, "/debug/signal-dropped", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "66 commands dropped") {
		t.Errorf("admin page = %d %q", rec.Code, rec.Body.String())
	}

	if err := d.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	// A second Close is a no-op and a late subscriber gets a closed channel.
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, ch := d.Subscribe(); ch != nil {
		if _, ok := <-ch; ok {
			t.Error("expected closed channel after Close")
		}
	}
}

func TestDisabledSerialMux_MonitorWaitsForCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDisabledSerialMux().Monitor(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return")
	}
}
