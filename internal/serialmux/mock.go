package serialmux

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/dvl.link/internal/monitoring"
)

// MockSerialPort replays fixture lines at a fixed interval and answers JSON
// commands with a successful response, which is enough to run the daemon
// without a DVL attached.
type MockSerialPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	replies chan string
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written bytes.Buffer
}

// NewMockSerialPort starts replaying fixtures, one line per interval, looping.
func NewMockSerialPort(fixtures []string, interval time.Duration) *MockSerialPort {
	r, w := io.Pipe()
	m := &MockSerialPort{
		r:       r,
		w:       w,
		replies: make(chan string, 16),
		done:    make(chan struct{}),
	}
	go m.run(fixtures, interval)
	return m
}

func (m *MockSerialPort) run(fixtures []string, interval time.Duration) {
	defer m.w.Close()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := 0
	for {
		var line string
		select {
		case <-m.done:
			return
		case line = <-m.replies:
		case <-ticker.C:
			if len(fixtures) == 0 {
				continue
			}
			line = fixtures[next%len(fixtures)]
			next++
		}
		if _, err := io.WriteString(m.w, line+"\n"); err != nil {
			return
		}
	}
}

func (m *MockSerialPort) Read(p []byte) (int, error) {
	return m.r.Read(p)
}

// Write records the data and queues a reply for every JSON command line.
func (m *MockSerialPort) Write(p []byte) (int, error) {
	select {
	case <-m.done:
		return 0, errors.New("mock port closed")
	default:
	}

	m.mu.Lock()
	m.written.Write(p)
	m.mu.Unlock()

	for _, line := range strings.Split(string(p), "\n") {
		reply, ok := mockReply(line)
		if !ok {
			continue
		}
		select {
		case m.replies <- reply:
		default:
			monitoring.Warnf("mock port reply queue full, dropping reply to %q", line)
		}
	}
	return len(p), nil
}

// Written returns everything written to the port so far.
func (m *MockSerialPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *MockSerialPort) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.r.Close()
	})
	return nil
}

func mockReply(line string) (string, bool) {
	var cmd struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &cmd); err != nil || cmd.Command == "" {
		return "", false
	}
	reply := map[string]any{
		"response_to":   cmd.Command,
		"success":       true,
		"error_message": "",
		"result":        nil,
		"format":        "json",
		"type":          "response",
	}
	if cmd.Command == "get_config" {
		reply["result"] = map[string]any{
			"speed_of_sound":           1500,
			"acoustic_enabled":         true,
			"dark_mode_enabled":        false,
			"mounting_rotation_offset": 0,
			"range_mode":               "auto",
		}
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// MockFixtures are representative network-channel reports used by dev mode.
var MockFixtures = []string{
	`{"time":106.3,"vx":0.12,"vy":-0.03,"vz":0.01,"fom":0.002,"altitude":1.84,"transducers":[{"id":0,"velocity":0.05,"distance":1.9,"rssi":-30.1,"nsd":-98.2,"beam_valid":true},{"id":1,"velocity":-0.02,"distance":1.88,"rssi":-31.4,"nsd":-99.1,"beam_valid":true},{"id":2,"velocity":0.01,"distance":1.91,"rssi":-29.8,"nsd":-98.7,"beam_valid":true},{"id":3,"velocity":0.04,"distance":1.86,"rssi":-30.6,"nsd":-97.9,"beam_valid":true}],"velocity_valid":true,"status":0,"format":"json_v3.1","type":"velocity","time_of_validity":1700000000000000,"time_of_transmission":1700000000106300,"covariance":[[2.1e-6,-1.4e-7,3.3e-8],[-1.4e-7,2.4e-6,-2.9e-8],[3.3e-8,-2.9e-8,1.8e-7]]}`,
	`{"ts":1700000000.2,"x":1.25,"y":-0.4,"z":0.02,"std":0.03,"roll":0.5,"pitch":-1.2,"yaw":87.4,"type":"position_local","status":0,"format":"json_v3.1"}`,
}

// NewMockSerialMux creates a SerialMux instance backed by a mock port that
// replays fixtures every interval.
func NewMockSerialMux(fixtures []string, interval time.Duration) *SerialMux[*MockSerialPort] {
	return NewSerialMux(NewMockSerialPort(fixtures, interval))
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides control over reads, writes and errors.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than requested
	ShortWrite bool

	// Closed indicates whether Close was called
	Closed bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a port whose reads block until data is added
// or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite && len(p) > 0 {
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// WrittenLines returns the lines written to the port so far.
func (t *TestableSerialPort) WrittenLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimRight(t.WriteBuffer.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Options: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
