package protocol

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/lcx/gamenet/buffer"
	"github.com/lcx/gamenet/packet"
)

var (
	ErrLayerNotAllowed = errors.New("protocol: layer not allowed in this stack type")
	ErrLayerOccupied   = errors.New("protocol: layer already installed")
	ErrInvalidLayer    = errors.New("protocol: invalid layer")
	ErrNoRawLayer      = errors.New("protocol: raw layer not installed")
	ErrNoCodecLayer    = errors.New("protocol: codec layer not installed")
	ErrCoderExists     = errors.New("protocol: coder already registered for opcode")
	ErrFrameTooLarge   = errors.New("protocol: frame exceeds max size")
)

// Protocol is the part every layer implements.
type Protocol interface {
	Layer() Layer
	// Connect is called once when the owning session is established.
	Connect(local, peer netip.AddrPort) error
}

// FrameProtocol is the raw layer: it frames packets onto the wire and
// reassembles them from a byte stream.
type FrameProtocol interface {
	Protocol
	Send(pkt *packet.Packet) (*buffer.Block, error)
	// Recv consumes the readable bytes of b. Bytes of an incomplete trailing
	// frame are retained for the next call.
	Recv(b *buffer.Block) ([]*packet.Packet, error)
}

// PacketProtocol is a packet to packet layer (compress, codec, filter).
// A nil packet with a nil error means the packet was consumed.
type PacketProtocol interface {
	Protocol
	Send(pkt *packet.Packet) (*packet.Packet, error)
	Recv(pkt *packet.Packet) (*packet.Packet, error)
}

// CoderRegistry is implemented by the layer that owns opcode coders.
type CoderRegistry interface {
	AddCoder(opcode uint32, f packet.CoderFactory) error
}

// ReportLevel grades a report sent to the service.
type ReportLevel int

const (
	ReportDebug ReportLevel = iota
	ReportInfo
	ReportWarn
	ReportError
)

func (l ReportLevel) String() string {
	switch l {
	case ReportDebug:
		return "debug"
	case ReportInfo:
		return "info"
	case ReportWarn:
		return "warn"
	case ReportError:
		return "error"
	}
	return "unknown"
}

// LayerError is a layer failure carrying the level it is reported at.
type LayerError struct {
	Level ReportLevel
	Msg   string
	Err   error
}

func (e *LayerError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *LayerError) Unwrap() error { return e.Err }

// Reportf builds a LayerError without a cause.
func Reportf(level ReportLevel, format string, args ...any) error {
	return &LayerError{Level: level, Msg: fmt.Sprintf(format, args...)}
}

// reportWrap builds a LayerError at level around err.
func reportWrap(level ReportLevel, err error, msg string) error {
	return &LayerError{Level: level, Msg: msg, Err: err}
}

// levelOf grades err; errors that are not a LayerError are reported at
// ReportError.
func levelOf(err error) ReportLevel {
	var re *LayerError
	if errors.As(err, &re) {
		return re.Level
	}
	return ReportError
}

// Reporter receives layer failures. The comm core forwards them to the
// service as protocol report events.
type Reporter interface {
	Report(sessionID int, layer Layer, level ReportLevel, report string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(sessionID int, layer Layer, level ReportLevel, report string)

func (f ReporterFunc) Report(sessionID int, layer Layer, level ReportLevel, report string) {
	f(sessionID, layer, level, report)
}
