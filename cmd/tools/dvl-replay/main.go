// Command dvl-replay decodes a capture of DVL traffic offline. TCP captures
// (pcap or pcapng) and plain line logs are supported; outputs are printed as
// JSON lines and optionally recorded to the report database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/banshee-data/dvl.link/internal/db"
	"github.com/banshee-data/dvl.link/internal/dvl"
	"github.com/banshee-data/dvl.link/internal/monitoring"
	"github.com/banshee-data/dvl.link/internal/navigation"
	"github.com/banshee-data/dvl.link/internal/replay"
	"github.com/banshee-data/dvl.link/internal/serialmux"
)

// jsonSink prints every output as one JSON line.
type jsonSink struct {
	enc *json.Encoder
}

type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (s jsonSink) PublishVelocity(v navigation.VelocityOutput) error {
	return s.enc.Encode(record{Type: "velocity", Data: v})
}

func (s jsonSink) PublishPose(p navigation.PoseOutput) error {
	return s.enc.Encode(record{Type: "pose", Data: p})
}

type options struct {
	input     string
	transport string
	port      int
	speed     float64
	dbPath    string
	frame     string
	degrees   bool
	quiet     bool
}

func run(ctx context.Context, o options, out io.Writer) (replay.Stats, dvl.Stats, error) {
	var sinks dvl.MultiSink
	if !o.quiet {
		sinks = append(sinks, jsonSink{enc: json.NewEncoder(out)})
	}
	if o.dbPath != "" {
		store, err := db.NewDB(o.dbPath)
		if err != nil {
			return replay.Stats{}, dvl.Stats{}, fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	// Replays never transmit; the disabled link only satisfies the session.
	session, err := dvl.NewSession(serialmux.NewDisabledSerialMux(), sinks, dvl.Options{
		Transport: dvl.Transport(o.transport),
		FrameID:   o.frame,
		Degrees:   o.degrees,
	})
	if err != nil {
		return replay.Stats{}, dvl.Stats{}, err
	}
	defer session.Close()

	var stats replay.Stats
	if isCapture(o.input) {
		stats, err = replay.ReadFile(ctx, o.input, session, replay.Options{Port: o.port, Speed: o.speed})
	} else {
		var f *os.File
		f, err = os.Open(o.input)
		if err != nil {
			return stats, session.Stats(), err
		}
		defer f.Close()
		stats, err = replay.ReadLines(ctx, f, session)
	}
	return stats, session.Stats(), err
}

func isCapture(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".pcap") || strings.HasSuffix(lower, ".pcapng")
}

func main() {
	var o options
	flag.StringVar(&o.input, "in", "", "Capture (.pcap/.pcapng) or line log to replay")
	flag.StringVar(&o.transport, "transport", "network", "Wire format of the capture: network or serial")
	flag.IntVar(&o.port, "port", serialmux.DefaultTCPPort, "DVL TCP port in the capture")
	flag.Float64Var(&o.speed, "speed", 0, "Replay speed relative to capture time (0 = as fast as possible)")
	flag.StringVar(&o.dbPath, "db-path", "", "Record outputs to this SQLite database")
	flag.StringVar(&o.frame, "frame", "dvl_a50_link", "Frame id stamped on outputs")
	flag.BoolVar(&o.degrees, "degrees", false, "Interpret orientation in degrees")
	flag.BoolVar(&o.quiet, "quiet", false, "Do not print outputs")
	verbose := flag.Bool("verbose", false, "Log skipped lines")
	flag.Parse()

	if o.input == "" {
		log.Fatal("-in is required")
	}
	if !*verbose {
		monitoring.SetLogger(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rs, ss, err := run(ctx, o, os.Stdout)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	log.Printf("replayed %d lines (%d gaps): %d velocity, %d pose, %d responses, %d dropped, %d unrecognized",
		rs.Lines, rs.Gaps, ss.Velocity, ss.Pose, ss.Responses, ss.Dropped, ss.Unrecognized)
}
