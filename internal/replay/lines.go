package replay

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// ReadLines replays a plain line log, such as one captured from the serial
// port with the debug tail.
func ReadLines(ctx context.Context, r io.Reader, h LineHandler) (Stats, error) {
	var stats Stats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxPendingLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		stats.Lines++
		h.HandleLine(line)
	}
	return stats, scanner.Err()
}
