package replay

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dvl.link/internal/dvl"
	"github.com/banshee-data/dvl.link/internal/monitoring"
	"github.com/banshee-data/dvl.link/internal/serialmux"
	"github.com/banshee-data/dvl.link/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var (
	deviceIP = net.IPv4(192, 168, 194, 95)
	hostIP   = net.IPv4(192, 168, 194, 90)
	epoch    = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
)

type segment struct {
	fromDevice bool
	seq        uint32
	payload    string
	at         time.Duration
}

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) HandleLine(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *collector) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func writeCapture(t *testing.T, segs []segment) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for _, s := range segs {
		src, dst := hostIP, deviceIP
		srcPort, dstPort := layers.TCPPort(50000), layers.TCPPort(serialmux.DefaultTCPPort)
		if s.fromDevice {
			src, dst = deviceIP, hostIP
			srcPort, dstPort = dstPort, srcPort
		}
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    src,
			DstIP:    dst,
		}
		tcp := &layers.TCP{
			SrcPort: srcPort,
			DstPort: dstPort,
			Seq:     s.seq,
			ACK:     true,
			PSH:     true,
			Window:  65535,
		}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

		pkt := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(pkt, opts, eth, ip, tcp, gopacket.Payload(s.payload)))

		data := pkt.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     epoch.Add(s.at),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return buf.Bytes()
}

func TestReadReassemblesLines(t *testing.T) {
	velocity := serialmux.MockFixtures[0]
	pose := serialmux.MockFixtures[1]
	stream := velocity + "\n" + pose + "\r\n"
	split := 40
	base := uint32(1000)

	capture := writeCapture(t, []segment{
		{fromDevice: true, seq: base, payload: stream[:split]},
		{fromDevice: false, seq: 7, payload: `{"command":"get_config"}` + "\n"},
		// retransmission of the first segment
		{fromDevice: true, seq: base, payload: stream[:split]},
		// overlaps the first segment by ten bytes
		{fromDevice: true, seq: base + uint32(split) - 10, payload: stream[split-10:]},
	})

	var c collector
	stats, err := Read(context.Background(), bytes.NewReader(capture), &c, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{velocity, pose}, c.Lines())
	assert.Equal(t, Stats{Packets: 4, Segments: 3, Lines: 2}, stats)
}

func TestReadDropsLineAcrossGap(t *testing.T) {
	capture := writeCapture(t, []segment{
		{fromDevice: true, seq: 1, payload: "first\nsecond-par"},
		{fromDevice: true, seq: 40, payload: "tail\nthird\n"},
	})

	var c collector
	stats, err := Read(context.Background(), bytes.NewReader(capture), &c, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "tail", "third"}, c.Lines())
	assert.Equal(t, 1, stats.Gaps)
}

func TestReadPortFilter(t *testing.T) {
	capture := writeCapture(t, []segment{{fromDevice: true, seq: 1, payload: "line\n"}})

	var c collector
	stats, err := Read(context.Background(), bytes.NewReader(capture), &c, Options{Port: 9999})
	require.NoError(t, err)
	assert.Empty(t, c.Lines())
	assert.Equal(t, 0, stats.Segments)
}

func TestReadRejectsUnknownFormat(t *testing.T) {
	_, err := Read(context.Background(), strings.NewReader("not a capture file"), &collector{}, Options{})
	assert.ErrorContains(t, err, "unrecognised capture format")

	_, err = Read(context.Background(), strings.NewReader(""), &collector{}, Options{})
	assert.Error(t, err)
}

func TestReadPacedByCaptureTime(t *testing.T) {
	capture := writeCapture(t, []segment{
		{fromDevice: true, seq: 1, payload: "a\n", at: 0},
		{fromDevice: true, seq: 3, payload: "b\n", at: 2 * time.Second},
	})

	clock := timeutil.NewMockClock(epoch)
	var c collector
	done := make(chan error, 1)
	go func() {
		_, err := Read(context.Background(), bytes.NewReader(capture), &c, Options{Speed: 2, Clock: clock})
		done <- err
	}()

	require.Eventually(t, func() bool { return clock.ActiveTimers() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a"}, c.Lines())

	clock.Advance(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish after advancing the clock")
	}
	assert.Equal(t, []string{"a", "b"}, c.Lines())
}

func TestReadCancel(t *testing.T) {
	capture := writeCapture(t, []segment{
		{fromDevice: true, seq: 1, payload: "a\n", at: 0},
		{fromDevice: true, seq: 3, payload: "b\n", at: time.Hour},
	})

	ctx, cancel := context.WithCancel(context.Background())
	clock := timeutil.NewMockClock(epoch)
	done := make(chan error, 1)
	go func() {
		_, err := Read(ctx, bytes.NewReader(capture), &collector{}, Options{Speed: 1, Clock: clock})
		done <- err
	}()

	require.Eventually(t, func() bool { return clock.ActiveTimers() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReadFileIntoSession(t *testing.T) {
	stream := strings.Join(serialmux.MockFixtures, "\n") + "\n"
	path := filepath.Join(t.TempDir(), "dive.pcap")
	require.NoError(t, os.WriteFile(path, writeCapture(t, []segment{
		{fromDevice: true, seq: 1, payload: stream},
	}), 0644))

	mux := serialmux.NewSerialMux(serialmux.NewTestableSerialPort())
	session, err := dvl.NewSession(mux, nil, dvl.Options{FrameID: "dvl"})
	require.NoError(t, err)
	defer session.Close()

	stats, err := ReadFile(context.Background(), path, session, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Lines)

	v, ok := session.LatestVelocity()
	require.True(t, ok)
	assert.Equal(t, 4, v.NumGoodBeams)
	_, ok = session.LatestPose()
	assert.True(t, ok)
	assert.Equal(t, int64(1), session.Stats().Velocity)

	_, err = ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.pcap"), session, Options{})
	assert.Error(t, err)
}

func TestReadLines(t *testing.T) {
	var c collector
	stats, err := ReadLines(context.Background(), strings.NewReader("wrz,1\r\n\nwrp,2\n"), &c)
	require.NoError(t, err)
	assert.Equal(t, []string{"wrz,1", "wrp,2"}, c.Lines())
	assert.Equal(t, 2, stats.Lines)

	var got []string
	_, err = ReadLines(context.Background(), strings.NewReader("x\n"), LineHandlerFunc(func(l string) { got = append(got, l) }))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got)
}
