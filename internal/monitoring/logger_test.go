package monitoring

import (
	"fmt"
	"testing"
)

func restoreLogf(t *testing.T) {
	orig := Logf
	t.Cleanup(func() { Logf = orig })
}

func TestSetLogger(t *testing.T) {
	restoreLogf(t)

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	Logf("tick %d", 1)

	SetLogger(nil)
	Logf("tick %d", 2)

	if len(lines) != 1 || lines[0] != "tick 1" {
		t.Errorf("lines = %q, want only the line logged before muting", lines)
	}
}

func TestLogfDefaultIsUsable(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf is nil")
	}
	restoreLogf(t)
	SetLogger(nil)
	Logf("quiet %s", "please")
}

func TestComponent(t *testing.T) {
	restoreLogf(t)

	// Component is created before the logger is swapped and must still
	// reach the new one.
	logf := Component("network")
	var got string
	SetLogger(func(format string, v ...interface{}) { got = fmt.Sprintf(format, v...) })
	logf("tick %d", 3)

	if got != "network: tick 3" {
		t.Errorf("got %q", got)
	}
}
