package serialmux

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
)

// DefaultTCPPort is the DVL's JSON command and report port.
const DefaultTCPPort = 16171

// OpenRealSerialPort opens a go.bug.st/serial port. It is the production
// SerialPortOpener.
func OpenRealSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return NewSerialMuxFromFactory(SerialPortOpener(OpenRealSerialPort), path, opts)
}

// NewSerialMuxFromFactory opens path through factory and wraps the port.
func NewSerialMuxFromFactory(factory SerialPortFactory, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	if _, err := opts.Normalize(); err != nil {
		return nil, err
	}
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}

// DialNetworkMux connects to the DVL's TCP port and wraps the connection.
func DialNetworkMux(ctx context.Context, host string, port int, timeout time.Duration) (*SerialMux[net.Conn], error) {
	if port == 0 {
		port = DefaultTCPPort
	}
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewSerialMux(conn), nil
}
