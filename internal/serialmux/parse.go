package serialmux

import "strings"

const (
	LineTypeJSON    = "json"
	LineTypeSerial  = "serial"
	LineTypeUnknown = "unknown"
)

// ClassifyLine returns a coarse token for a raw device line: a JSON record
// from the network channel, a checksummed serial record, or unknown. It does
// not validate the line.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "{"):
		return LineTypeJSON
	case strings.HasPrefix(line, "wr") && strings.Contains(line, "*"):
		return LineTypeSerial
	default:
		return LineTypeUnknown
	}
}
