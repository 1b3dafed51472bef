// Package dvl runs one device session: it decodes lines from the link,
// routes command responses to their issuers and hands translated navigation
// outputs to the configured sinks.
package dvl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/dvl.link/internal/correlate"
	"github.com/banshee-data/dvl.link/internal/monitoring"
	"github.com/banshee-data/dvl.link/internal/navigation"
	"github.com/banshee-data/dvl.link/internal/protocol"
	"github.com/banshee-data/dvl.link/internal/timeutil"
)

// ErrCommandFailed is returned by the lifecycle helpers when the device
// answers a command with success=false.
var ErrCommandFailed = errors.New("dvl: command rejected by device")

// Link is the line transport a session talks through. serialmux muxes
// satisfy it.
type Link interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
	SendCommand(string) error
}

// Options configure a Session.
type Options struct {
	Transport      Transport
	FrameID        string
	SoundSpeed     float64
	Degrees        bool
	CommandTimeout time.Duration
	Clock          timeutil.Clock
}

// Settings are the device parameters written on connect.
type Settings struct {
	SpeedOfSound           float64
	MountingRotationOffset float64
	RangeMode              string
	LEDEnabled             bool
}

// Stats counts what the decode loop has seen since the session started.
type Stats struct {
	Lines        int64 `json:"lines"`
	Velocity     int64 `json:"velocity"`
	Pose         int64 `json:"pose"`
	Responses    int64 `json:"responses"`
	Unmatched    int64 `json:"unmatched"`
	Unrecognized int64 `json:"unrecognized"`
	Dropped      int64 `json:"dropped"`
}

// Session is one connection to a DVL.
type Session struct {
	link   Link
	subID  string
	lines  chan string
	codec  codec
	engine *correlate.Engine
	nav    *navigation.Translator
	sink   Sink
	clock  timeutil.Clock
	opts   Options

	cmdLog CommandLog

	// txMu keeps the serial reply queue in the same order as the writes.
	txMu sync.Mutex

	mu           sync.RWMutex
	lastVelocity *navigation.VelocityOutput
	lastPose     *navigation.PoseOutput
	deviceConfig json.RawMessage
	stats        Stats
}

// NewSession subscribes to link immediately so no reply is lost between
// construction and Run. A nil sink discards outputs.
func NewSession(link Link, sink Sink, opts Options) (*Session, error) {
	c, err := newCodec(opts.Transport)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = correlate.DefaultTimeout
	}
	if sink == nil {
		sink = discardSink{}
	}

	s := &Session{
		link:  link,
		codec: c,
		nav: navigation.NewTranslator(navigation.Options{
			FrameID:    opts.FrameID,
			SoundSpeed: opts.SoundSpeed,
			Degrees:    opts.Degrees,
		}),
		sink:  sink,
		clock: opts.Clock,
		opts:  opts,
	}
	s.engine = correlate.NewEngine(correlate.TransmitFunc(s.transmit), correlate.Options{
		Clock:   opts.Clock,
		Timeout: opts.CommandTimeout,
		Abandon: c.untrack,
	})
	s.subID, s.lines = link.Subscribe()
	return s, nil
}

// SetCommandLog records every command result to l.
func (s *Session) SetCommandLog(l CommandLog) {
	s.cmdLog = l
}

// Run decodes lines until ctx is done or the link closes the subscription.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				return nil
			}
			s.HandleLine(line)
		}
	}
}

// Close unsubscribes from the link and fails any pending commands.
func (s *Session) Close() {
	s.link.Unsubscribe(s.subID)
	s.engine.Reset()
}

// HandleLine decodes one line and routes the result. Malformed, unrecognised
// and unmatched messages are logged and skipped.
func (s *Session) HandleLine(line string) {
	s.bump(func(st *Stats) { st.Lines++ })

	report, err := s.codec.decode(line)
	if err != nil {
		s.bump(func(st *Stats) { st.Dropped++ })
		monitoring.Warnf("dropping line %q: %v", line, err)
		return
	}

	switch r := report.(type) {
	case nil:
		// transducer line held for the next velocity report

	case protocol.CommandResponse:
		s.bump(func(st *Stats) { st.Responses++ })
		if r.Command == protocol.CommandGetConfig && r.Success && len(r.Result) > 0 {
			s.mu.Lock()
			s.deviceConfig = append(json.RawMessage(nil), r.Result...)
			s.mu.Unlock()
		}
		if err := s.engine.Dispatch(r); err != nil {
			s.bump(func(st *Stats) { st.Unmatched++ })
			monitoring.Warnf("unexpected response: %v", err)
		}

	case protocol.VelocityReport:
		out := s.nav.ToVelocityOutput(r)
		s.mu.Lock()
		s.lastVelocity = &out
		s.stats.Velocity++
		s.mu.Unlock()
		if err := s.sink.PublishVelocity(out); err != nil {
			monitoring.Warnf("failed to publish velocity: %v", err)
		}

	case protocol.DeadReckoningReport:
		out := s.nav.ToPoseOutput(r)
		s.mu.Lock()
		s.lastPose = &out
		s.stats.Pose++
		s.mu.Unlock()
		if err := s.sink.PublishPose(out); err != nil {
			monitoring.Warnf("failed to publish pose: %v", err)
		}

	case protocol.Unrecognized:
		s.bump(func(st *Stats) { st.Unrecognized++ })
		monitoring.Debugf("%v: %s", protocol.ErrUnrecognizedReport, r.Raw)
	}
}

func (s *Session) transmit(cmd protocol.Command) error {
	line, err := s.codec.encode(cmd)
	if err != nil {
		return err
	}
	key := cmd.Key()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.codec.track(key)
	if err := s.link.SendCommand(line); err != nil {
		s.codec.untrack(key)
		return err
	}
	return nil
}

// Do sends cmd, waits for the device's answer and records the result.
func (s *Session) Do(ctx context.Context, cmd protocol.Command) (protocol.CommandResponse, error) {
	result := CommandResult{
		Command:    cmd.Key(),
		Parameters: cmd.Parameters,
		SentAt:     s.clock.Now(),
	}

	h, err := s.engine.Send(ctx, cmd)
	if err != nil {
		result.Message = err.Error()
		s.record(result)
		return protocol.CommandResponse{}, err
	}
	result.RequestID = h.ID.String()
	result.SentAt = h.SentAt

	resp, err := s.engine.Await(ctx, h, s.opts.CommandTimeout)
	result.Latency = s.clock.Now().Sub(h.SentAt)
	if err != nil {
		result.Message = err.Error()
	} else {
		result.Success = resp.Success
		result.Message = resp.ErrorMessage
	}
	s.record(result)
	return resp, err
}

// SendCommand issues a zero-argument command such as get_config.
func (s *Session) SendCommand(ctx context.Context, name string) (protocol.CommandResponse, error) {
	return s.Do(ctx, protocol.NewCommand(name))
}

// SetParameter writes one configuration parameter. The write is correlated
// under set_config.
func (s *Session) SetParameter(ctx context.Context, name string, value any) (protocol.CommandResponse, error) {
	return s.Do(ctx, protocol.SetParameter(name, value))
}

// Configure writes the connect-time settings with acoustics disabled. The
// LED is driven through dark mode, which is its inverse.
func (s *Session) Configure(ctx context.Context, st Settings) error {
	err := s.expectSuccess(s.Do(ctx, protocol.SetParameters(map[string]any{
		protocol.ParamSpeedOfSound:           st.SpeedOfSound,
		protocol.ParamMountingRotationOffset: st.MountingRotationOffset,
		protocol.ParamAcousticEnabled:        false,
		protocol.ParamDarkModeEnabled:        !st.LEDEnabled,
		protocol.ParamRangeMode:              st.RangeMode,
	})))
	if err != nil {
		return fmt.Errorf("failed to configure DVL: %w", err)
	}
	s.nav.SetSoundSpeed(st.SpeedOfSound)
	return nil
}

// Activate enables acoustic transmission.
func (s *Session) Activate(ctx context.Context) error {
	if err := s.expectSuccess(s.SetParameter(ctx, protocol.ParamAcousticEnabled, true)); err != nil {
		return fmt.Errorf("failed to enable acoustics: %w", err)
	}
	return nil
}

// Deactivate disables acoustic transmission.
func (s *Session) Deactivate(ctx context.Context) error {
	if err := s.expectSuccess(s.SetParameter(ctx, protocol.ParamAcousticEnabled, false)); err != nil {
		return fmt.Errorf("failed to disable acoustics: %w", err)
	}
	return nil
}

func (s *Session) expectSuccess(resp protocol.CommandResponse, err error) error {
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrCommandFailed, resp.ErrorMessage)
	}
	return nil
}

// Reset drops all per-connection state: pending commands fail with
// correlate.ErrSessionReset, buffered serial beams are discarded and the held
// altitude is cleared.
func (s *Session) Reset() {
	s.engine.Reset()
	s.codec.reset()
	s.nav.Reset()
}

// LatestVelocity returns the most recent velocity output.
func (s *Session) LatestVelocity() (navigation.VelocityOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastVelocity == nil {
		return navigation.VelocityOutput{}, false
	}
	return *s.lastVelocity, true
}

// LatestPose returns the most recent pose output.
func (s *Session) LatestPose() (navigation.PoseOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastPose == nil {
		return navigation.PoseOutput{}, false
	}
	return *s.lastPose, true
}

// DeviceConfig returns the result of the last successful get_config, or nil.
func (s *Session) DeviceConfig() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceConfig
}

func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Pending lists commands awaiting a response.
func (s *Session) Pending() []string {
	return s.engine.Pending()
}

func (s *Session) bump(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

func (s *Session) record(r CommandResult) {
	switch {
	case r.Success:
		monitoring.Logf("%s: success (%v)", r.Command, r.Latency)
	default:
		monitoring.Warnf("%s failed: %s", r.Command, r.Message)
	}
	if r.Command == protocol.CommandGetConfig && r.Success {
		if cfg := s.DeviceConfig(); cfg != nil {
			monitoring.Logf("device config: %s", cfg)
		}
	}
	if s.cmdLog == nil {
		return
	}
	if err := s.cmdLog.RecordCommand(r); err != nil {
		monitoring.Errorf("failed to record command %s: %v", r.Command, err)
	}
}
