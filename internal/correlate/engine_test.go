package correlate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvl.link/internal/protocol"
	"github.com/banshee-data/dvl.link/internal/timeutil"
)

type recordingTransmitter struct {
	mu   sync.Mutex
	sent []protocol.Command
	err  error
}

func (r *recordingTransmitter) Transmit(cmd protocol.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, cmd)
	return nil
}

func (r *recordingTransmitter) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, c := range r.sent {
		out[i] = c.Name
	}
	return out
}

func newTestEngine() (*Engine, *recordingTransmitter, *timeutil.MockClock) {
	tx := &recordingTransmitter{}
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(tx, Options{Clock: clock, Timeout: time.Second}), tx, clock
}

func TestSendDispatchAwait(t *testing.T) {
	e, tx, _ := newTestEngine()
	ctx := context.Background()

	h, err := e.Send(ctx, protocol.NewCommand(protocol.CommandCalibrateGyro))
	require.NoError(t, err)
	assert.Equal(t, []string{"calibrate_gyro"}, tx.names())
	assert.Equal(t, []string{"calibrate_gyro"}, e.Pending())
	assert.NotEqual(t, [16]byte{}, [16]byte(h.ID))

	resp := protocol.CommandResponse{Command: "calibrate_gyro", Success: true}
	require.NoError(t, e.Dispatch(resp))
	assert.Empty(t, e.Pending())
	assert.ErrorIs(t, e.Dispatch(resp), ErrUnmatchedResponse, "a second reply has no request left")

	got, err := e.Await(ctx, h, time.Second)
	require.NoError(t, err)
	assert.True(t, got.Success)

	_, err = e.Await(ctx, h, time.Second)
	assert.ErrorIs(t, err, ErrAlreadyAwaited)
}

func TestDispatchUnmatched(t *testing.T) {
	e, _, _ := newTestEngine()
	err := e.Dispatch(protocol.CommandResponse{Command: "get_config", Success: true})
	assert.ErrorIs(t, err, ErrUnmatchedResponse)
}

func TestSendDuplicateRejected(t *testing.T) {
	e, tx, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.Send(ctx, protocol.SetParameter(protocol.ParamSpeedOfSound, 1500.0))
	require.NoError(t, err)

	_, err = e.Send(ctx, protocol.SetParameter(protocol.ParamRangeMode, "auto"))
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Len(t, tx.names(), 1, "duplicate must not reach the device")
}

func TestSendTransmitFailureReleasesKey(t *testing.T) {
	e, tx, _ := newTestEngine()
	tx.err = errors.New("link down")

	_, err := e.Send(context.Background(), protocol.NewCommand(protocol.CommandGetConfig))
	require.Error(t, err)
	assert.Empty(t, e.Pending())

	tx.err = nil
	_, err = e.Send(context.Background(), protocol.NewCommand(protocol.CommandGetConfig))
	assert.NoError(t, err)
}

func TestAwaitTimeout(t *testing.T) {
	e, _, clock := newTestEngine()
	ctx := context.Background()

	h, err := e.Send(ctx, protocol.NewCommand(protocol.CommandGetConfig))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := e.Await(ctx, h, 2*time.Second)
		errc <- err
	}()

	require.Eventually(t, func() bool { return clock.ActiveTimers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(2 * time.Second)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("Await did not return after timeout")
	}
	assert.Empty(t, e.Pending())

	// A late reply is now unmatched and the name is free again.
	assert.ErrorIs(t, e.Dispatch(protocol.CommandResponse{Command: "get_config"}), ErrUnmatchedResponse)
	_, err = e.Send(ctx, protocol.NewCommand(protocol.CommandGetConfig))
	assert.NoError(t, err)
}

func TestAwaitContextCancelled(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())

	h, err := e.Send(ctx, protocol.NewCommand(protocol.CommandResetDeadReckoning))
	require.NoError(t, err)
	cancel()

	_, err = e.Await(ctx, h, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, e.Pending())
}

func TestAbandonOnlyForUnansweredRequests(t *testing.T) {
	tx := &recordingTransmitter{}
	var abandoned []string
	e := NewEngine(tx, Options{
		Clock:   timeutil.NewMockClock(time.Unix(0, 0)),
		Abandon: func(key string) { abandoned = append(abandoned, key) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := e.Send(ctx, protocol.NewCommand(protocol.CommandResetDeadReckoning))
	require.NoError(t, err)
	cancel()
	_, err = e.Await(ctx, h, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"reset_dead_reckoning"}, abandoned)

	h, err = e.Send(context.Background(), protocol.NewCommand(protocol.CommandGetConfig))
	require.NoError(t, err)
	require.NoError(t, e.Dispatch(protocol.CommandResponse{Command: "get_config", Success: true}))
	_, err = e.Await(context.Background(), h, time.Second)
	require.NoError(t, err)

	tx.err = errors.New("link down")
	_, err = e.Send(context.Background(), protocol.NewCommand(protocol.CommandCalibrateGyro))
	require.Error(t, err)

	tx.err = nil
	h, err = e.Send(context.Background(), protocol.NewCommand(protocol.CommandCalibrateGyro))
	require.NoError(t, err)
	e.Reset()
	_, err = e.Await(context.Background(), h, 0)
	require.ErrorIs(t, err, ErrSessionReset)

	assert.Equal(t, []string{"reset_dead_reckoning"}, abandoned, "answered, unsent and reset requests are not abandoned")
}

func TestConcurrentRequestsAnsweredOutOfOrder(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	names := []string{protocol.CommandGetConfig, protocol.CommandCalibrateGyro}
	results := make(map[string]protocol.CommandResponse)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			h, err := e.Send(ctx, protocol.NewCommand(name))
			if !assert.NoError(t, err) {
				return
			}
			resp, err := e.Await(ctx, h, 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results[name] = resp
			mu.Unlock()
		}(name)
	}

	require.Eventually(t, func() bool { return len(e.Pending()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, e.Dispatch(protocol.CommandResponse{Command: "calibrate_gyro", Success: false, ErrorMessage: "busy"}))
	require.NoError(t, e.Dispatch(protocol.CommandResponse{Command: "get_config", Success: true}))
	wg.Wait()

	require.Len(t, results, 2)
	assert.True(t, results["get_config"].Success)
	assert.False(t, results["calibrate_gyro"].Success)
	assert.Equal(t, "busy", results["calibrate_gyro"].ErrorMessage)
}

func TestResetFailsPending(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	h, err := e.Send(ctx, protocol.NewCommand(protocol.CommandGetConfig))
	require.NoError(t, err)

	e.Reset()
	assert.Empty(t, e.Pending())

	_, err = e.Await(ctx, h, 0)
	assert.ErrorIs(t, err, ErrSessionReset)
}

func TestDoUsesEngineTimeout(t *testing.T) {
	tx := &recordingTransmitter{}
	e := NewEngine(tx, Options{Timeout: 20 * time.Millisecond})

	_, err := e.Do(context.Background(), protocol.NewCommand(protocol.CommandCalibrateGyro))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, e.Pending())
}

func TestTransmitFunc(t *testing.T) {
	var got string
	e := NewEngine(TransmitFunc(func(cmd protocol.Command) error {
		got = cmd.Name
		return nil
	}), Options{})

	_, err := e.Send(context.Background(), protocol.NewCommand(protocol.CommandTriggerPing))
	require.NoError(t, err)
	assert.Equal(t, "trigger_ping", got)
}
