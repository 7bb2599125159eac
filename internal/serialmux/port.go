package serialmux

import "io"

// SerialPorter is the part of serial.Port that SerialMux uses, so tests can
// swap in a TestableSerialPort.
type SerialPorter interface {
	io.ReadWriteCloser
}
