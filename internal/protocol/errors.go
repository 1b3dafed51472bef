package protocol

import "errors"

var (
	ErrChecksumMismatch   = errors.New("protocol: checksum mismatch")
	ErrMalformedField     = errors.New("protocol: malformed field")
	ErrUnrecognizedReport = errors.New("protocol: unrecognized report")
	ErrUnsupportedCommand = errors.New("protocol: command not supported on this transport")
)
