package dvl

import (
	"fmt"

	"github.com/banshee-data/dvl.link/internal/protocol"
)

// Transport selects the device channel and its wire format.
type Transport string

const (
	TransportNetwork Transport = "network"
	TransportSerial  Transport = "serial"
)

// codec translates between link lines and protocol values for one transport.
type codec interface {
	decode(line string) (protocol.Report, error)
	encode(cmd protocol.Command) (string, error)
	// track and untrack bracket a command write for transports whose replies
	// do not name the command.
	track(key string)
	untrack(key string)
	reset()
}

func newCodec(t Transport) (codec, error) {
	switch t {
	case TransportNetwork, "":
		return jsonCodec{}, nil
	case TransportSerial:
		return &serialCodec{dec: protocol.NewSerialDecoder()}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}

type jsonCodec struct{}

func (jsonCodec) decode(line string) (protocol.Report, error) {
	return protocol.DecodeJSON([]byte(line))
}

func (jsonCodec) encode(cmd protocol.Command) (string, error) { return protocol.EncodeJSON(cmd) }
func (jsonCodec) track(string)                                {}
func (jsonCodec) untrack(string)                              {}
func (jsonCodec) reset()                                      {}

type serialCodec struct {
	dec *protocol.SerialDecoder
}

func (c *serialCodec) decode(line string) (protocol.Report, error) { return c.dec.Decode(line) }
func (c *serialCodec) encode(cmd protocol.Command) (string, error) {
	return protocol.EncodeSerial(cmd)
}
func (c *serialCodec) track(key string)   { c.dec.Track(key) }
func (c *serialCodec) untrack(key string) { c.dec.Untrack(key) }
func (c *serialCodec) reset()             { c.dec.Reset() }
