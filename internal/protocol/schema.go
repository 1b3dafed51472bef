package protocol

// Serial report tags.
const (
	TagVelocity      = "wrz"
	TagTransducer    = "wru"
	TagDeadReckoning = "wrp"
	TagConfig        = "wrc"
	TagAck           = "wra"
	TagNak           = "wrn"
	TagMalformed     = "wr?"
)

// VelocitySchema is the layout of a serial velocity report.
var VelocitySchema = Schema{
	Tag: TagVelocity,
	Fields: []Field{
		{"tag", KindText},
		{"vx", KindFloat64},
		{"vy", KindFloat64},
		{"vz", KindFloat64},
		{"velocity_valid", KindText},
		{"altitude", KindFloat64},
		{"fom", KindFloat64},
		{"covariance", KindText},
		{"time_of_validity", KindInt64},
		{"time_of_transmission", KindInt64},
		{"time", KindFloat64},
		{"status", KindInt32},
	},
}

// TransducerSchema is the layout of one per-beam serial sub-report. A velocity
// report is accompanied by four of these.
var TransducerSchema = Schema{
	Tag: TagTransducer,
	Fields: []Field{
		{"tag", KindText},
		{"id", KindInt32},
		{"velocity", KindFloat64},
		{"distance", KindFloat64},
		{"rssi", KindFloat64},
		{"nsd", KindFloat64},
	},
}

// DeadReckoningSchema is the layout of a serial dead-reckoning report.
var DeadReckoningSchema = Schema{
	Tag: TagDeadReckoning,
	Fields: []Field{
		{"tag", KindText},
		{"ts", KindFloat64},
		{"x", KindFloat64},
		{"y", KindFloat64},
		{"z", KindFloat64},
		{"std", KindFloat64},
		{"roll", KindFloat64},
		{"pitch", KindFloat64},
		{"yaw", KindFloat64},
		{"status", KindInt32},
	},
}

// ConfigSchema is the layout of the serial reply to a get-config command.
var ConfigSchema = Schema{
	Tag: TagConfig,
	Fields: []Field{
		{"tag", KindText},
		{"speed_of_sound", KindFloat64},
		{"mounting_rotation_offset", KindFloat64},
		{"acoustic_enabled", KindText},
		{"dark_mode_enabled", KindText},
		{"range_mode", KindText},
		{"periodic_cycling_enabled", KindText},
	},
}

var serialSchemas = map[string]Schema{
	TagVelocity:      VelocitySchema,
	TagTransducer:    TransducerSchema,
	TagDeadReckoning: DeadReckoningSchema,
	TagConfig:        ConfigSchema,
}

// replySchema describes the synthetic record built from an ack/nak line so
// that it classifies like a network command response.
var replySchema = Schema{
	Tag: "reply",
	Fields: []Field{
		{"response_to", KindText},
		{"success", KindText},
		{"error_message", KindText},
	},
}
