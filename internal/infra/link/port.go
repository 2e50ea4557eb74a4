package link

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of a serial port the Link needs. go.bug.st/serial's
// Port satisfies it; tests substitute a scripted fake.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Opener opens a named port at a baud rate.
type Opener func(name string, baud int) (Port, error)

// SerialOpener opens a real serial device, 8N1.
func SerialOpener(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPorts returns the serial ports the OS knows about.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
