// Package replay feeds captured DVL traffic back through a session, so
// recorded dives can be decoded offline or replayed into the store.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/dvl.link/internal/monitoring"
	"github.com/banshee-data/dvl.link/internal/serialmux"
	"github.com/banshee-data/dvl.link/internal/timeutil"
)

// maxPendingLine bounds the partial-line buffer per flow.
const maxPendingLine = 64 * 1024

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// LineHandler consumes reassembled lines. *dvl.Session satisfies it.
type LineHandler interface {
	HandleLine(line string)
}

// LineHandlerFunc adapts a function to LineHandler.
type LineHandlerFunc func(string)

func (f LineHandlerFunc) HandleLine(line string) { f(line) }

// Options control a replay.
type Options struct {
	// Port is the device TCP port; only segments sent from it are replayed.
	Port int
	// Speed paces the replay against capture timestamps. 1 is real time,
	// 0 replays as fast as possible.
	Speed float64
	Clock timeutil.Clock
}

// Stats summarise a replay.
type Stats struct {
	Packets  int
	Segments int
	Lines    int
	Gaps     int
}

type flowKey struct {
	net, transport gopacket.Flow
}

type flowState struct {
	nextSeq uint32
	started bool
	pending bytes.Buffer
}

// ReadFile replays a pcap or pcapng capture.
func ReadFile(ctx context.Context, path string, h LineHandler, opts Options) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()
	return Read(ctx, f, h, opts)
}

// Read replays a capture from r. Segments from the device port are
// reassembled per TCP flow and split into lines; retransmitted bytes are
// skipped and a sequence gap drops the partial line it interrupted.
func Read(ctx context.Context, r io.Reader, h LineHandler, opts Options) (Stats, error) {
	if opts.Port == 0 {
		opts.Port = serialmux.DefaultTCPPort
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	source, err := newPacketSource(r)
	if err != nil {
		return Stats{}, err
	}

	var (
		stats   Stats
		flows   = make(map[flowKey]*flowState)
		first   time.Time
		started time.Time
	)
	port := layers.TCPPort(opts.Port)

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case packet, ok := <-source.Packets():
			if !ok || packet == nil {
				monitoring.Logf("replay complete: %d packets, %d segments, %d lines, %d gaps",
					stats.Packets, stats.Segments, stats.Lines, stats.Gaps)
				return stats, nil
			}
			stats.Packets++

			tcpLayer := packet.Layer(layers.LayerTypeTCP)
			if tcpLayer == nil {
				continue
			}
			tcp, ok := tcpLayer.(*layers.TCP)
			if !ok || tcp.SrcPort != port || len(tcp.Payload) == 0 {
				continue
			}
			netLayer := packet.NetworkLayer()
			if netLayer == nil {
				continue
			}
			stats.Segments++

			if opts.Speed > 0 {
				ts := packet.Metadata().Timestamp
				if first.IsZero() {
					first, started = ts, opts.Clock.Now()
				}
				due := time.Duration(float64(ts.Sub(first)) / opts.Speed)
				if err := sleepUntil(ctx, opts.Clock, started.Add(due)); err != nil {
					return stats, err
				}
			}

			key := flowKey{netLayer.NetworkFlow(), tcp.TransportFlow()}
			fs, ok := flows[key]
			if !ok {
				fs = &flowState{}
				flows[key] = fs
			}
			if fs.accept(tcp.Seq, tcp.Payload, &stats) {
				for _, line := range fs.lines() {
					stats.Lines++
					h.HandleLine(line)
				}
			}
		}
	}
}

// accept appends the new part of a segment and reports whether anything was
// added.
func (fs *flowState) accept(seq uint32, payload []byte, stats *Stats) bool {
	if !fs.started {
		fs.started = true
		fs.nextSeq = seq
	}

	switch diff := int32(seq - fs.nextSeq); {
	case diff > 0:
		stats.Gaps++
		monitoring.Warnf("replay: %d bytes missing from stream, dropping partial line", diff)
		fs.pending.Reset()
	case diff < 0:
		overlap := int(-diff)
		if overlap >= len(payload) {
			return false
		}
		payload = payload[overlap:]
		seq += uint32(overlap)
	}

	fs.nextSeq = seq + uint32(len(payload))
	fs.pending.Write(payload)
	if fs.pending.Len() > maxPendingLine {
		monitoring.Warnf("replay: discarding %d bytes without a line break", fs.pending.Len())
		fs.pending.Reset()
		return false
	}
	return true
}

func (fs *flowState) lines() []string {
	var out []string
	for {
		data := fs.pending.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return out
		}
		line := string(bytes.TrimRight(data[:i], "\r"))
		fs.pending.Next(i + 1)
		if line != "" {
			out = append(out, line)
		}
	}
}

type packetSource interface {
	Packets() chan gopacket.Packet
}

func newPacketSource(r io.Reader) (packetSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}

	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to read pcapng capture: %w", err)
		}
		return gopacket.NewPacketSource(ng, ng.LinkType()), nil
	}

	switch binary.LittleEndian.Uint32(magic) {
	case 0xa1b2c3d4, 0xd4c3b2a1, 0xa1b23c4d, 0x4d3cb2a1:
	default:
		return nil, fmt.Errorf("unrecognised capture format (magic %x)", magic)
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap capture: %w", err)
	}
	return gopacket.NewPacketSource(pr, pr.LinkType()), nil
}

func sleepUntil(ctx context.Context, clock timeutil.Clock, at time.Time) error {
	d := at.Sub(clock.Now())
	if d <= 0 {
		return nil
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
