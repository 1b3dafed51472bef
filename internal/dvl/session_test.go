package dvl

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvl.link/internal/correlate"
	"github.com/banshee-data/dvl.link/internal/monitoring"
	"github.com/banshee-data/dvl.link/internal/navigation"
	"github.com/banshee-data/dvl.link/internal/protocol"
)

func init() {
	monitoring.SetLogger(nil)
}

// fakeLink answers written commands through reply. Replies go through the
// subscription channel and are handled by the session's decode loop.
type fakeLink struct {
	mu     sync.Mutex
	lines  chan string
	sent   []string
	closed bool
	err    error
	reply  func(line string) []string
}

func newFakeLink(reply func(string) []string) *fakeLink {
	return &fakeLink{lines: make(chan string, 64), reply: reply}
}

func (f *fakeLink) Subscribe() (string, chan string) { return "test", f.lines }

func (f *fakeLink) Unsubscribe(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.lines)
	}
}

func (f *fakeLink) SendCommand(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, line)
	if f.reply != nil && !f.closed {
		// Replies are queued in write order, as a serial device answers.
		for _, r := range f.reply(line) {
			f.lines <- r
		}
	}
	return nil
}

func (f *fakeLink) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type recordingSink struct {
	mu       sync.Mutex
	velocity []navigation.VelocityOutput
	pose     []navigation.PoseOutput
	err      error
}

func (r *recordingSink) PublishVelocity(v navigation.VelocityOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.velocity = append(r.velocity, v)
	return r.err
}

func (r *recordingSink) PublishPose(p navigation.PoseOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pose = append(r.pose, p)
	return r.err
}

type recordingLog struct {
	mu      sync.Mutex
	results []CommandResult
}

func (r *recordingLog) RecordCommand(c CommandResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, c)
	return nil
}

func (r *recordingLog) all() []CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CommandResult(nil), r.results...)
}

// jsonReply answers every JSON command with the given success flag.
func jsonReply(success bool, result string) func(string) []string {
	return func(line string) []string {
		var cmd protocol.Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			return nil
		}
		resp := map[string]any{"response_to": cmd.Name, "success": success, "error_message": ""}
		if !success {
			resp["error_message"] = "rejected"
		}
		if result != "" {
			resp["result"] = json.RawMessage(result)
		}
		b, _ := json.Marshal(resp)
		return []string{string(b)}
	}
}

func startSession(t *testing.T, link Link, sink Sink, opts Options) *Session {
	t.Helper()
	s, err := NewSession(link, sink, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

const velocityLine = `{"time_of_validity":1700000000000000,"vx":3,"vy":4,"vz":0,"fom":0.01,"altitude":2.5,"velocity_valid":true,"status":0,"covariance":[[1,0,0],[0,1,0],[0,0,1]],"transducers":[{"id":0,"distance":2,"beam_valid":true},{"id":1,"distance":2,"beam_valid":true},{"id":2,"distance":2,"beam_valid":true},{"id":3,"distance":0,"beam_valid":false}]}`

const poseLine = `{"ts":1700000000.5,"x":1,"y":2,"z":3,"std":0.1,"roll":0,"pitch":0,"yaw":0,"status":0}`

func TestSessionRoutesReports(t *testing.T) {
	sink := &recordingSink{}
	s, err := NewSession(newFakeLink(nil), sink, Options{FrameID: "dvl", SoundSpeed: 1500})
	require.NoError(t, err)

	s.HandleLine(velocityLine)
	s.HandleLine(poseLine)
	s.HandleLine(`{"type":"heartbeat"}`)
	s.HandleLine(`{not json`)

	require.Len(t, sink.velocity, 1)
	require.Len(t, sink.pose, 1)
	v := sink.velocity[0]
	assert.InDelta(t, 5.0, v.Speed, 1e-12)
	assert.Equal(t, 3, v.NumGoodBeams)
	assert.Equal(t, 1500.0, v.SoundSpeed)
	assert.Equal(t, "dvl", sink.pose[0].FrameID)

	latest, ok := s.LatestVelocity()
	require.True(t, ok)
	assert.Equal(t, v, latest)
	_, ok = s.LatestPose()
	assert.True(t, ok)

	assert.Equal(t, Stats{Lines: 4, Velocity: 1, Pose: 1, Unrecognized: 1, Dropped: 1}, s.Stats())
}

func TestSessionSinkErrorIsNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("redis down")}
	s, err := NewSession(newFakeLink(nil), sink, Options{})
	require.NoError(t, err)

	s.HandleLine(velocityLine)
	s.HandleLine(velocityLine)
	assert.Len(t, sink.velocity, 2)
}

func TestSessionSendCommand(t *testing.T) {
	link := newFakeLink(jsonReply(true, `{"speed_of_sound":1475}`))
	cmdLog := &recordingLog{}
	s := startSession(t, link, nil, Options{CommandTimeout: time.Second})
	s.SetCommandLog(cmdLog)

	resp, err := s.SendCommand(context.Background(), protocol.CommandGetConfig)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"speed_of_sound":1475}`, string(s.DeviceConfig()))
	assert.Equal(t, []string{`{"command":"get_config"}`}, link.written())
	assert.Empty(t, s.Pending())

	results := cmdLog.all()
	require.Len(t, results, 1)
	assert.Equal(t, "get_config", results[0].Command)
	assert.True(t, results[0].Success)
	assert.NotEmpty(t, results[0].RequestID)
}

func TestSessionSetParameterCorrelatesUnderSetConfig(t *testing.T) {
	link := newFakeLink(jsonReply(true, ""))
	s := startSession(t, link, nil, Options{CommandTimeout: time.Second})

	resp, err := s.SetParameter(context.Background(), protocol.ParamAcousticEnabled, true)
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandSetConfig, resp.Command)
	assert.JSONEq(t, `{"command":"set_config","parameters":{"acoustic_enabled":true}}`, link.written()[0])
}

func TestSessionActivateRejected(t *testing.T) {
	link := newFakeLink(jsonReply(false, ""))
	cmdLog := &recordingLog{}
	s := startSession(t, link, nil, Options{CommandTimeout: time.Second})
	s.SetCommandLog(cmdLog)

	err := s.Activate(context.Background())
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "rejected")

	results := cmdLog.all()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "rejected", results[0].Message)
}

func TestSessionCommandTimeout(t *testing.T) {
	link := newFakeLink(nil)
	cmdLog := &recordingLog{}
	s := startSession(t, link, nil, Options{CommandTimeout: 20 * time.Millisecond})
	s.SetCommandLog(cmdLog)

	_, err := s.SendCommand(context.Background(), protocol.CommandCalibrateGyro)
	assert.ErrorIs(t, err, correlate.ErrTimeout)
	assert.Empty(t, s.Pending())

	results := cmdLog.all()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestSessionWriteFailure(t *testing.T) {
	link := newFakeLink(nil)
	link.err = errors.New("broken pipe")
	s := startSession(t, link, nil, Options{})

	_, err := s.SendCommand(context.Background(), protocol.CommandGetConfig)
	assert.Error(t, err)
	assert.Empty(t, s.Pending())
}

func TestSessionUnmatchedResponse(t *testing.T) {
	s, err := NewSession(newFakeLink(nil), nil, Options{})
	require.NoError(t, err)

	s.HandleLine(`{"response_to":"calibrate_gyro","success":true,"error_message":""}`)
	assert.Equal(t, int64(1), s.Stats().Unmatched)
	assert.Equal(t, int64(1), s.Stats().Responses)
}

func TestSessionResetFailsPending(t *testing.T) {
	link := newFakeLink(nil)
	s := startSession(t, link, nil, Options{CommandTimeout: -1})

	errc := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(context.Background(), protocol.CommandGetConfig)
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(s.Pending()) == 1 }, time.Second, time.Millisecond)

	s.Reset()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, correlate.ErrSessionReset)
	case <-time.After(time.Second):
		t.Fatal("pending command not failed by Reset")
	}
}

func serialVelocity(altitude float64) string {
	return protocol.AppendChecksum("wrz,0.3,0.4,0.0,y," +
		jsonNumber(altitude) + ",0.002,1;0;0;0;1;0;0;0;1,1700000000000000,1700000000001000,12.5,0")
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestSessionSerialConfigure(t *testing.T) {
	ack := protocol.AppendChecksum("wra")
	link := newFakeLink(func(string) []string { return []string{ack} })
	sink := &recordingSink{}
	s := startSession(t, link, sink, Options{Transport: TransportSerial, SoundSpeed: 1500, CommandTimeout: time.Second})

	err := s.Configure(context.Background(), Settings{
		SpeedOfSound: 1480,
		RangeMode:    "auto",
		LEDEnabled:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.AppendChecksum("wcs,1480,0,n,n,auto,")}, link.written())

	link.lines <- protocol.AppendChecksum("wru,0,0.1,1.9,-30,-98")
	link.lines <- serialVelocity(1.9)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.velocity) == 1
	}, time.Second, time.Millisecond)

	v := sink.velocity[0]
	assert.Equal(t, 1480.0, v.SoundSpeed)
	assert.Equal(t, 1, v.NumGoodBeams)
	assert.InDelta(t, 0.5, v.Speed, 1e-12)
}

// serialDevice acks every serial command except those listed in lost, and
// naks calibrate_gyro so replies can be told apart.
func serialDevice(lost ...string) func(string) []string {
	return func(line string) []string {
		payload, err := protocol.ParseFrame(line)
		if err != nil {
			return nil
		}
		for _, l := range lost {
			if payload == l {
				return nil
			}
		}
		if payload == "wcg" {
			return []string{protocol.AppendChecksum("wrn")}
		}
		return []string{protocol.AppendChecksum("wra")}
	}
}

func TestSessionSerialLostReplyDoesNotShiftLaterReplies(t *testing.T) {
	link := newFakeLink(serialDevice("wcc"))
	s := startSession(t, link, nil, Options{Transport: TransportSerial, CommandTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := s.SendCommand(ctx, protocol.CommandGetConfig)
	require.ErrorIs(t, err, correlate.ErrTimeout)

	for i := 0; i < 2; i++ {
		resp, err := s.SendCommand(ctx, protocol.CommandCalibrateGyro)
		require.NoError(t, err, "round %d", i)
		assert.Equal(t, protocol.CommandCalibrateGyro, resp.Command)
		assert.False(t, resp.Success)

		resp, err = s.SendCommand(ctx, protocol.CommandResetDeadReckoning)
		require.NoError(t, err, "round %d", i)
		assert.Equal(t, protocol.CommandResetDeadReckoning, resp.Command)
		assert.True(t, resp.Success)
	}
	assert.Zero(t, s.Stats().Unmatched)
	assert.Empty(t, s.Pending())
}

func TestSessionSerialCancelledCommandIsForgotten(t *testing.T) {
	link := newFakeLink(serialDevice("wcr"))
	s := startSession(t, link, nil, Options{Transport: TransportSerial, CommandTimeout: -1})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(ctx, protocol.CommandResetDeadReckoning)
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(s.Pending()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	resp, err := s.SendCommand(context.Background(), protocol.CommandCalibrateGyro)
	require.NoError(t, err)
	assert.Equal(t, protocol.CommandCalibrateGyro, resp.Command)
	assert.False(t, resp.Success)
}

func TestSessionSerialConcurrentCommandsKeepWriteOrder(t *testing.T) {
	link := newFakeLink(serialDevice())
	s := startSession(t, link, nil, Options{Transport: TransportSerial, CommandTimeout: time.Second})

	names := []string{protocol.CommandCalibrateGyro, protocol.CommandResetDeadReckoning}
	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		results := make([]protocol.CommandResponse, len(names))
		errs := make([]error, len(names))
		for i, name := range names {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = s.SendCommand(context.Background(), name)
			}()
		}
		wg.Wait()

		for i, name := range names {
			require.NoError(t, errs[i], "round %d %s", round, name)
			assert.Equal(t, name, results[i].Command)
			assert.Equal(t, name == protocol.CommandResetDeadReckoning, results[i].Success,
				"round %d: %s got the other command's reply", round, name)
		}
	}
	assert.Zero(t, s.Stats().Unmatched)
}

func TestSessionSerialTriggerPingUnsupported(t *testing.T) {
	link := newFakeLink(nil)
	s := startSession(t, link, nil, Options{Transport: TransportSerial})

	_, err := s.SendCommand(context.Background(), protocol.CommandTriggerPing)
	assert.ErrorIs(t, err, protocol.ErrUnsupportedCommand)
	assert.Empty(t, link.written())
	assert.Empty(t, s.Pending())
}

func TestNewSessionUnknownTransport(t *testing.T) {
	_, err := NewSession(newFakeLink(nil), nil, Options{Transport: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestMultiSink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("b failed")}
	m := MultiSink{a, b}

	err := m.PublishPose(navigation.PoseOutput{FrameID: "x"})
	assert.ErrorContains(t, err, "b failed")
	assert.Len(t, a.pose, 1)
	assert.Len(t, b.pose, 1)
	assert.NoError(t, MultiSink{a}.PublishVelocity(navigation.VelocityOutput{}))
}
