package protocol

import (
	"encoding/json"
	"fmt"
)

// ReportKind is the shape of a decoded report, as chosen by Classify.
type ReportKind int

const (
	KindUnrecognized ReportKind = iota
	KindCommandResponse
	KindVelocity
	KindDeadReckoning
)

func (k ReportKind) String() string {
	switch k {
	case KindCommandResponse:
		return "command_response"
	case KindVelocity:
		return "velocity"
	case KindDeadReckoning:
		return "dead_reckoning"
	default:
		return "unrecognized"
	}
}

// Report is one decoded device message. The set of implementations is
// closed: CommandResponse, VelocityReport, DeadReckoningReport and
// Unrecognized.
type Report interface {
	Kind() ReportKind
	isReport()
}

// Vector3 is a cartesian triple.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// CommandResponse answers a previously sent command. Result is only populated
// for get_config.
type CommandResponse struct {
	Command      string          `json:"response_to"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"error_message"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Transducer is the per-beam part of a velocity report.
type Transducer struct {
	ID        int32   `json:"id"`
	Velocity  float64 `json:"velocity"`
	Distance  float64 `json:"distance"`
	RSSI      float64 `json:"rssi"`
	NSD       float64 `json:"nsd"`
	BeamValid bool    `json:"beam_valid"`
}

// VelocityReport is a bottom-track velocity report. Times are in device clock
// microseconds.
type VelocityReport struct {
	TimeOfValidity     int64
	TimeOfTransmission int64
	Velocity           Vector3
	Covariance         [3][3]float64
	Altitude           float64
	FigureOfMerit      float64
	VelocityValid      bool
	Status             int32
	Transducers        [4]Transducer
}

// GoodBeams counts the transducers whose beam is valid.
func (v VelocityReport) GoodBeams() int {
	n := 0
	for _, t := range v.Transducers {
		if t.BeamValid {
			n++
		}
	}
	return n
}

// DeadReckoningReport is an integrated position and orientation estimate.
// Timestamp is in device clock seconds.
type DeadReckoningReport struct {
	Timestamp float64
	Position  Vector3
	StdDev    float64
	Roll      float64
	Pitch     float64
	Yaw       float64
	Status    int32
}

// Unrecognized is a message that matched none of the known shapes.
type Unrecognized struct {
	Raw string
}

func (CommandResponse) Kind() ReportKind     { return KindCommandResponse }
func (VelocityReport) Kind() ReportKind      { return KindVelocity }
func (DeadReckoningReport) Kind() ReportKind { return KindDeadReckoning }
func (Unrecognized) Kind() ReportKind        { return KindUnrecognized }

func (CommandResponse) isReport()     {}
func (VelocityReport) isReport()      {}
func (DeadReckoningReport) isReport() {}
func (Unrecognized) isReport()        {}

func (r CommandResponse) String() string {
	if r.Success {
		return fmt.Sprintf("%s: success", r.Command)
	}
	return fmt.Sprintf("%s failed: %s", r.Command, r.ErrorMessage)
}
