package dvl

import (
	"errors"
	"time"

	"github.com/banshee-data/dvl.link/internal/navigation"
)

// Sink receives translated navigation outputs from the decode loop. Calls
// happen on the decode goroutine, so implementations should not block for
// long.
type Sink interface {
	PublishVelocity(navigation.VelocityOutput) error
	PublishPose(navigation.PoseOutput) error
}

// CommandResult is one completed (or failed) command exchange.
type CommandResult struct {
	RequestID  string         `json:"request_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	SentAt     time.Time      `json:"sent_at"`
	Latency    time.Duration  `json:"latency"`
}

// CommandLog records command results.
type CommandLog interface {
	RecordCommand(CommandResult) error
}

// MultiSink fans outputs out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) PublishVelocity(v navigation.VelocityOutput) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishVelocity(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) PublishPose(p navigation.PoseOutput) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishPose(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discardSink struct{}

func (discardSink) PublishVelocity(navigation.VelocityOutput) error { return nil }
func (discardSink) PublishPose(navigation.PoseOutput) error         { return nil }
