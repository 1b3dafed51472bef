// Package navigation turns decoded DVL reports into the velocity and pose
// outputs handed to downstream sinks.
package navigation

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/dvl.link/internal/protocol"
)

// Beam geometry. Each transducer points 22.5° off vertical, at azimuths of
// 135°, -135°, -45° and 45° from the body X axis.
const (
	BeamHorizontal = 0.6532814824381883
	BeamVertical   = 0.38268343236508984
)

// BeamUnitVectors are the fixed transducer directions, indexed by beam.
var BeamUnitVectors = [4]protocol.Vector3{
	{X: -BeamHorizontal, Y: BeamHorizontal, Z: BeamVertical},
	{X: -BeamHorizontal, Y: -BeamHorizontal, Z: BeamVertical},
	{X: BeamHorizontal, Y: -BeamHorizontal, Z: BeamVertical},
	{X: BeamHorizontal, Y: BeamHorizontal, Z: BeamVertical},
}

// Beam is the per-transducer part of a VelocityOutput.
type Beam struct {
	Valid      bool             `json:"valid"`
	Range      float64          `json:"range"`
	Quality    float64          `json:"quality"`
	Velocity   float64          `json:"velocity"`
	UnitVector protocol.Vector3 `json:"unit_vector"`
}

// VelocityOutput is a bottom-track velocity sample ready for publication.
type VelocityOutput struct {
	FrameID             string           `json:"frame_id"`
	Time                time.Time        `json:"time"`
	Velocity            protocol.Vector3 `json:"velocity"`
	Covariance          [9]float64       `json:"covariance"`
	Altitude            float64          `json:"altitude"`
	Course              float64          `json:"course"`
	Speed               float64          `json:"speed"`
	SoundSpeed          float64          `json:"sound_speed"`
	FigureOfMerit       float64          `json:"fom"`
	Status              int32            `json:"status"`
	VelocityValid       bool             `json:"velocity_valid"`
	BeamRangesValid     bool             `json:"beam_ranges_valid"`
	BeamVelocitiesValid bool             `json:"beam_velocities_valid"`
	NumGoodBeams        int              `json:"num_good_beams"`
	Beams               [4]Beam          `json:"beams"`
}

// Quaternion is an orientation in x, y, z, w order.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// PoseOutput is a dead-reckoning pose ready for publication. Covariance is the
// row-major 6×6 pose covariance; only the three position diagonal slots are set.
type PoseOutput struct {
	FrameID     string           `json:"frame_id"`
	Time        time.Time        `json:"time"`
	Position    protocol.Vector3 `json:"position"`
	Orientation Quaternion       `json:"orientation"`
	Covariance  [36]float64      `json:"covariance"`
	Status      int32            `json:"status"`
}

// Options configure a Translator.
type Options struct {
	FrameID    string
	SoundSpeed float64
	// Degrees marks dead-reckoning roll, pitch and yaw as degrees.
	Degrees bool
}

// Translator holds the one piece of state that outlives a report: the last
// altitude that passed validation.
type Translator struct {
	opts Options

	mu       sync.Mutex
	altitude float64
}

func NewTranslator(opts Options) *Translator {
	return &Translator{opts: opts}
}

// SetSoundSpeed updates the speed of sound reported with velocity outputs.
func (t *Translator) SetSoundSpeed(v float64) {
	t.mu.Lock()
	t.opts.SoundSpeed = v
	t.mu.Unlock()
}

// Reset forgets the held altitude.
func (t *Translator) Reset() {
	t.mu.Lock()
	t.altitude = 0
	t.mu.Unlock()
}

// HeldAltitude returns the last trusted altitude.
func (t *Translator) HeldAltitude() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.altitude
}

// ToVelocityOutput converts a velocity report. A new altitude replaces the
// held one only when it is non-negative and the velocity is valid.
func (t *Translator) ToVelocityOutput(r protocol.VelocityReport) VelocityOutput {
	t.mu.Lock()
	if r.Altitude >= 0 && r.VelocityValid {
		t.altitude = r.Altitude
	}
	altitude := t.altitude
	soundSpeed := t.opts.SoundSpeed
	t.mu.Unlock()

	out := VelocityOutput{
		FrameID:             t.opts.FrameID,
		Time:                time.UnixMicro(r.TimeOfValidity).UTC(),
		Velocity:            r.Velocity,
		Covariance:          flattenCovariance(r.Covariance),
		Altitude:            altitude,
		Course:              math.Atan2(r.Velocity.Y, r.Velocity.X),
		Speed:               math.Hypot(r.Velocity.X, r.Velocity.Y),
		SoundSpeed:          soundSpeed,
		FigureOfMerit:       r.FigureOfMerit,
		Status:              r.Status,
		VelocityValid:       r.VelocityValid,
		BeamRangesValid:     true,
		BeamVelocitiesValid: r.VelocityValid,
		NumGoodBeams:        r.GoodBeams(),
	}
	for i, tr := range r.Transducers {
		out.Beams[i] = Beam{
			Valid:      tr.BeamValid,
			Range:      tr.Distance,
			Quality:    tr.RSSI,
			Velocity:   tr.Velocity,
			UnitVector: BeamUnitVectors[i],
		}
	}
	return out
}

// ToPoseOutput converts a dead-reckoning report.
func (t *Translator) ToPoseOutput(r protocol.DeadReckoningReport) PoseOutput {
	roll, pitch, yaw := r.Roll, r.Pitch, r.Yaw
	if t.opts.Degrees {
		roll, pitch, yaw = radians(roll), radians(pitch), radians(yaw)
	}

	out := PoseOutput{
		FrameID:     t.opts.FrameID,
		Time:        time.Unix(0, int64(r.Timestamp*float64(time.Second))).UTC(),
		Position:    r.Position,
		Orientation: FromRollPitchYaw(roll, pitch, yaw),
		Status:      r.Status,
	}
	out.Covariance[0] = r.StdDev
	out.Covariance[7] = r.StdDev
	out.Covariance[14] = r.StdDev
	return out
}

// FromRollPitchYaw composes rotations about the fixed X, Y and Z axes, in
// that order, into a unit quaternion.
func FromRollPitchYaw(roll, pitch, yaw float64) Quaternion {
	qx := axisAngle(roll, 1, 0, 0)
	qy := axisAngle(pitch, 0, 1, 0)
	qz := axisAngle(yaw, 0, 0, 1)
	q := quat.Mul(qz, quat.Mul(qy, qx))
	return Quaternion{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real}
}

func axisAngle(angle, x, y, z float64) quat.Number {
	s, c := math.Sincos(angle / 2)
	return quat.Number{Real: c, Imag: x * s, Jmag: y * s, Kmag: z * s}
}

func flattenCovariance(c [3][3]float64) [9]float64 {
	m := mat.NewDense(3, 3, nil)
	for i := range c {
		m.SetRow(i, c[i][:])
	}
	var out [9]float64
	copy(out[:], m.RawMatrix().Data)
	return out
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
