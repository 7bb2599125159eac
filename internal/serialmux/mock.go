package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter standing in for the
// signal head. Tests queue the head's replies with AddReadData and inspect
// the commands it received with GetWrittenData.
//
// ReadError and WriteError fail the next call only. With BlockReads set, a
// Read on an empty buffer waits for AddReadData or Close, like a tty would.
type TestableSerialPort struct {
	mu     sync.Mutex
	wake   *sync.Cond
	rx, tx bytes.Buffer

	ReadError  error
	WriteError error
	CloseError error
	BlockReads bool
	Closed     bool
}

func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.wake = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeErr(&p.ReadError); err != nil {
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.rx.Len() == 0 {
		p.wake.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	return p.rx.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeErr(&p.WriteError); err != nil {
		return 0, err
	}
	return p.tx.Write(b)
}

// takeErr returns errPortClosed on a closed port, otherwise clears and
// returns the one-shot error in slot. Callers hold p.mu.
func (p *TestableSerialPort) takeErr(slot *error) error {
	if p.Closed {
		return errPortClosed
	}
	err := *slot
	*slot = nil
	return err
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.wake.Broadcast()
	return p.CloseError
}

// AddReadData appends bytes the next Reads will return.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	p.rx.Write(data)
	p.mu.Unlock()
	p.wake.Broadcast()
}

// GetWrittenData returns a copy of everything written so far.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.tx.Bytes())
}
