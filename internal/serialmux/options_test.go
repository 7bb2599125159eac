package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != 115200 {
		t.Errorf("BaudRate = %d, want 115200", got.BaudRate)
	}
	if got.DataBits != 8 {
		t.Errorf("DataBits = %d, want 8", got.DataBits)
	}
	if got.StopBits != 1 {
		t.Errorf("StopBits = %d, want 1", got.StopBits)
	}
	if got.Parity != "N" {
		t.Errorf("Parity = %q, want %q", got.Parity, "N")
	}
}

func TestPortOptions_Normalize_ExplicitValues(t *testing.T) {
	got, err := PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != 9600 || got.DataBits != 7 || got.StopBits != 2 || got.Parity != "E" {
		t.Errorf("Normalize() = %+v", got)
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	tests := map[string]PortOptions{
		"data bits low":  {DataBits: 4},
		"data bits high": {DataBits: 9},
		"stop bits":      {StopBits: 3},
		"parity":         {Parity: "mark"},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := opts.Normalize(); err == nil {
				t.Errorf("expected error for %+v", opts)
			}
		})
	}
}

func TestPortOptions_Equal(t *testing.T) {
	if !(PortOptions{}).Equal(PortOptions{BaudRate: 115200, Parity: "none"}) {
		t.Error("defaults should equal explicit defaults")
	}
	if (PortOptions{BaudRate: 9600}).Equal(PortOptions{}) {
		t.Error("different baud rates should not be equal")
	}
	if (PortOptions{Parity: "x"}).Equal(PortOptions{}) {
		t.Error("invalid options should never be equal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{Parity: "O", StopBits: 2}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode() error = %v", err)
	}
	if mode.BaudRate != 115200 {
		t.Errorf("BaudRate = %d", mode.BaudRate)
	}
	if mode.Parity != serial.OddParity {
		t.Errorf("Parity = %v, want OddParity", mode.Parity)
	}
	if mode.StopBits != serial.TwoStopBits {
		t.Errorf("StopBits = %v", mode.StopBits)
	}

	if _, err := (PortOptions{DataBits: 3}).SerialMode(); err == nil {
		t.Error("expected error for invalid options")
	}
}
