package serialmux

import (
	"io"
	"net"

	"go.bug.st/serial"
)

// SerialPorter is a line-oriented device link: a serial port on the A50's
// UART or the TCP connection to its JSON port.
type SerialPorter interface {
	io.ReadWriteCloser
}

var (
	_ SerialPorter = (serial.Port)(nil)
	_ SerialPorter = (net.Conn)(nil)
)

// SerialPortFactory opens the serial link at path.
type SerialPortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortOpener adapts a plain function to SerialPortFactory.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

func (f SerialPortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
