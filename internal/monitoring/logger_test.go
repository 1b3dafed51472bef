package monitoring

import (
	"fmt"
	"testing"
)

func captureLogs(t *testing.T) *[]string {
	t.Helper()
	original := Logf
	t.Cleanup(func() {
		Logf = original
		SetVerbose(false)
	})
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestSetLogger(t *testing.T) {
	lines := captureLogs(t)

	Logf("test message %d", 1)
	if len(*lines) != 1 || (*lines)[0] != "test message 1" {
		t.Fatalf("custom logger got %q", *lines)
	}

	// nil installs a no-op logger
	SetLogger(nil)
	Logf("dropped")
	if len(*lines) != 1 {
		t.Errorf("no-op logger should not record, got %q", *lines)
	}
}

func TestDebugfRespectsVerbose(t *testing.T) {
	lines := captureLogs(t)

	Debugf("hidden %s", "trace")
	if len(*lines) != 0 {
		t.Fatalf("Debugf logged while not verbose: %q", *lines)
	}

	SetVerbose(true)
	Debugf("shown %s", "trace")
	if len(*lines) != 1 || (*lines)[0] != "[debug] shown trace" {
		t.Errorf("Debugf got %q", *lines)
	}
}

func TestLevelPrefixes(t *testing.T) {
	lines := captureLogs(t)

	Warnf("dropped frame: %v", "checksum")
	Errorf("write failed")

	want := []string{"[warn] dropped frame: checksum", "[error] write failed"}
	if len(*lines) != len(want) {
		t.Fatalf("got %q, want %q", *lines, want)
	}
	for i := range want {
		if (*lines)[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, (*lines)[i], want[i])
		}
	}
}
