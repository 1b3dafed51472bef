package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// SerialDecoder turns CRC-framed serial lines into reports.
//
// Transducer sub-reports are held until the next velocity report. Serial
// replies (ack, nak, config) do not name the command they answer, so the
// decoder keeps a FIFO of sent command keys and answers the oldest one.
// Decode must only be called from one goroutine; Track and Untrack are safe
// to call concurrently with it.
type SerialDecoder struct {
	beams [4]Transducer
	seen  [4]bool

	mu      sync.Mutex
	pending []string
}

func NewSerialDecoder() *SerialDecoder {
	return &SerialDecoder{}
}

// Track records that a command with the given key is about to be written.
func (d *SerialDecoder) Track(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, key)
}

// Untrack forgets the most recently tracked occurrence of key. It is used
// when the write failed or when the caller stopped waiting for the reply, so
// later replies keep lining up with their own commands.
func (d *SerialDecoder) Untrack(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.pending) - 1; i >= 0; i-- {
		if d.pending[i] == key {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

// Outstanding returns the keys still waiting for a serial reply, oldest first.
func (d *SerialDecoder) Outstanding() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.pending...)
}

func (d *SerialDecoder) popPending() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return "", false
	}
	key := d.pending[0]
	d.pending = d.pending[1:]
	return key, true
}

// Reset drops buffered beams and outstanding command keys.
func (d *SerialDecoder) Reset() {
	d.beams = [4]Transducer{}
	d.seen = [4]bool{}
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
}

// Decode validates and decodes one serial line. A nil report with a nil error
// means the line was a transducer sub-report that is now buffered.
func (d *SerialDecoder) Decode(line string) (Report, error) {
	payload, err := ParseFrame(line)
	if err != nil {
		return nil, err
	}

	tag, _, _ := strings.Cut(payload, ",")
	switch tag {
	case TagAck, TagNak, TagMalformed:
		return d.reply(tag, payload, nil)

	case TagConfig:
		rec, err := Split(payload, ConfigSchema)
		if err != nil {
			return nil, err
		}
		result, err := json.Marshal(configResult(rec))
		if err != nil {
			return nil, fmt.Errorf("failed to encode config result: %w", err)
		}
		return d.reply(TagAck, payload, result)

	case TagTransducer:
		rec, err := Split(payload, TransducerSchema)
		if err != nil {
			return nil, err
		}
		id := rec.Int("id")
		if id < 0 || id >= int64(len(d.beams)) {
			return nil, fmt.Errorf("%w: transducer id %d out of range", ErrMalformedField, id)
		}
		d.beams[id] = Transducer{
			ID:       int32(id),
			Velocity: rec.Float("velocity"),
			Distance: rec.Float("distance"),
			RSSI:     rec.Float("rssi"),
			NSD:      rec.Float("nsd"),
		}
		d.beams[id].BeamValid = d.beams[id].Distance > 0
		d.seen[id] = true
		return nil, nil
	}

	schema, ok := serialSchemas[tag]
	if !ok {
		return Unrecognized{Raw: payload}, nil
	}
	rec, err := Split(payload, schema)
	if err != nil {
		return nil, err
	}
	return d.decodeRecord(rec)
}

func (d *SerialDecoder) decodeRecord(rec Record) (Report, error) {
	switch Classify(rec) {
	case KindCommandResponse:
		return CommandResponse{
			Command:      rec.Text("response_to"),
			Success:      rec.Text("success") == "y",
			ErrorMessage: rec.Text("error_message"),
		}, nil

	case KindVelocity:
		cov, err := parseCovariance(rec.Text("covariance"))
		if err != nil {
			return nil, err
		}
		r := VelocityReport{
			TimeOfValidity:     rec.Int("time_of_validity"),
			TimeOfTransmission: rec.Int("time_of_transmission"),
			Velocity:           Vector3{X: rec.Float("vx"), Y: rec.Float("vy"), Z: rec.Float("vz")},
			Covariance:         cov,
			Altitude:           rec.Float("altitude"),
			FigureOfMerit:      rec.Float("fom"),
			VelocityValid:      rec.Text("velocity_valid") == "y",
			Status:             int32(rec.Int("status")),
		}
		for i := range d.beams {
			if d.seen[i] {
				r.Transducers[i] = d.beams[i]
			} else {
				r.Transducers[i] = Transducer{ID: int32(i)}
			}
		}
		d.beams = [4]Transducer{}
		d.seen = [4]bool{}
		return r, nil

	case KindDeadReckoning:
		return DeadReckoningReport{
			Timestamp: rec.Float("ts"),
			Position:  Vector3{X: rec.Float("x"), Y: rec.Float("y"), Z: rec.Float("z")},
			StdDev:    rec.Float("std"),
			Roll:      rec.Float("roll"),
			Pitch:     rec.Float("pitch"),
			Yaw:       rec.Float("yaw"),
			Status:    int32(rec.Int("status")),
		}, nil
	}

	return Unrecognized{Raw: rec.Text("tag")}, nil
}

// reply answers the oldest outstanding command. A reply nobody is waiting
// for is unrecognized.
func (d *SerialDecoder) reply(tag, payload string, result json.RawMessage) (Report, error) {
	key, ok := d.popPending()
	if !ok {
		return Unrecognized{Raw: payload}, nil
	}

	success, message := "y", ""
	switch tag {
	case TagNak:
		success, message = "n", "not acknowledged"
	case TagMalformed:
		success, message = "n", "malformed request"
	}

	rec := Record{
		Schema: replySchema,
		Elements: []Element{
			{Kind: KindText, Text: key},
			{Kind: KindText, Text: success},
			{Kind: KindText, Text: message},
		},
	}
	r, err := d.decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if resp, ok := r.(CommandResponse); ok && result != nil {
		resp.Result = result
		return resp, nil
	}
	return r, nil
}

func parseCovariance(s string) ([3][3]float64, error) {
	var cov [3][3]float64
	parts := strings.Split(s, ";")
	if len(parts) != 9 {
		return cov, fmt.Errorf("%w: covariance has %d values, want 9", ErrMalformedField, len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return cov, fmt.Errorf("%w: covariance[%d]: %v", ErrMalformedField, i, err)
		}
		cov[i/3][i%3] = v
	}
	return cov, nil
}

func configResult(rec Record) map[string]any {
	return map[string]any{
		"speed_of_sound":           rec.Float("speed_of_sound"),
		"mounting_rotation_offset": rec.Float("mounting_rotation_offset"),
		"acoustic_enabled":         rec.Text("acoustic_enabled") == "y",
		"dark_mode_enabled":        rec.Text("dark_mode_enabled") == "y",
		"range_mode":               rec.Text("range_mode"),
		"periodic_cycling_enabled": rec.Text("periodic_cycling_enabled") == "y",
	}
}
