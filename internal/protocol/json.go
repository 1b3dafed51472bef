package protocol

import (
	"encoding/json"
	"fmt"
)

// jsonObject is a network message with its fields left undecoded until the
// report kind is known.
type jsonObject map[string]json.RawMessage

func (o jsonObject) Has(name string) bool {
	_, ok := o[name]
	return ok
}

type velocityJSON struct {
	TimeOfValidity     int64        `json:"time_of_validity"`
	TimeOfTransmission int64        `json:"time_of_transmission"`
	VX                 float64      `json:"vx"`
	VY                 float64      `json:"vy"`
	VZ                 float64      `json:"vz"`
	FOM                float64      `json:"fom"`
	Covariance         [][]float64  `json:"covariance"`
	Altitude           float64      `json:"altitude"`
	VelocityValid      bool         `json:"velocity_valid"`
	Status             int32        `json:"status"`
	Transducers        []Transducer `json:"transducers"`
}

type deadReckoningJSON struct {
	TS     float64 `json:"ts"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Std    float64 `json:"std"`
	Roll   float64 `json:"roll"`
	Pitch  float64 `json:"pitch"`
	Yaw    float64 `json:"yaw"`
	Status int32   `json:"status"`
}

// DecodeJSON decodes one line received over the network channel.
func DecodeJSON(line []byte) (Report, error) {
	var obj jsonObject
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedField, err)
	}

	switch Classify(obj) {
	case KindCommandResponse:
		var r CommandResponse
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("%w: command response: %v", ErrMalformedField, err)
		}
		return r, nil

	case KindVelocity:
		var v velocityJSON
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("%w: velocity report: %v", ErrMalformedField, err)
		}
		return v.report()

	case KindDeadReckoning:
		var d deadReckoningJSON
		if err := json.Unmarshal(line, &d); err != nil {
			return nil, fmt.Errorf("%w: dead reckoning report: %v", ErrMalformedField, err)
		}
		return DeadReckoningReport{
			Timestamp: d.TS,
			Position:  Vector3{X: d.X, Y: d.Y, Z: d.Z},
			StdDev:    d.Std,
			Roll:      d.Roll,
			Pitch:     d.Pitch,
			Yaw:       d.Yaw,
			Status:    d.Status,
		}, nil
	}

	return Unrecognized{Raw: string(line)}, nil
}

func (v velocityJSON) report() (Report, error) {
	r := VelocityReport{
		TimeOfValidity:     v.TimeOfValidity,
		TimeOfTransmission: v.TimeOfTransmission,
		Velocity:           Vector3{X: v.VX, Y: v.VY, Z: v.VZ},
		Altitude:           v.Altitude,
		FigureOfMerit:      v.FOM,
		VelocityValid:      v.VelocityValid,
		Status:             v.Status,
	}

	if v.Covariance != nil {
		if len(v.Covariance) != 3 {
			return nil, fmt.Errorf("%w: covariance has %d rows", ErrMalformedField, len(v.Covariance))
		}
		for i, row := range v.Covariance {
			if len(row) != 3 {
				return nil, fmt.Errorf("%w: covariance row %d has %d columns", ErrMalformedField, i, len(row))
			}
			copy(r.Covariance[i][:], row)
		}
	}

	if len(v.Transducers) != len(r.Transducers) {
		return nil, fmt.Errorf("%w: expected %d transducers, got %d", ErrMalformedField, len(r.Transducers), len(v.Transducers))
	}
	copy(r.Transducers[:], v.Transducers)
	return r, nil
}
