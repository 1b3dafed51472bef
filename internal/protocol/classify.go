package protocol

// FieldSet is anything that can answer whether a named field is present.
// Both network JSON objects and split serial records implement it.
type FieldSet interface {
	Has(name string) bool
}

// Classify picks the report kind from the fields present. The order matters:
// a message carrying "response_to" is a command response even if it also
// carries report fields.
func Classify(fields FieldSet) ReportKind {
	switch {
	case fields.Has("response_to"):
		return KindCommandResponse
	case fields.Has("altitude"):
		return KindVelocity
	case fields.Has("pitch"):
		return KindDeadReckoning
	default:
		return KindUnrecognized
	}
}
