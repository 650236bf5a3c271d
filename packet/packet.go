// Package packet defines the application packet exchanged between the
// protocol stack and the service.
package packet

// Flag bits carried in the frame header.
const (
	FlagCompressed uint16 = 1 << iota
)

// Packet is one application message.
//
// On the send side the service fills Opcode and either Payload or Coder; the
// codec layer encodes Coder into Payload. On the receive side the raw layer
// fills the header fields and Payload, and the codec layer attaches a decoded
// Coder when one is registered for the opcode.
type Packet struct {
	SessionID int
	Opcode    uint32
	Status    uint16
	Flags     uint16
	Payload   []byte
	Coder     Coder
}

// New creates a packet for session with an already encoded payload.
func New(sessionID int, opcode uint32, payload []byte) *Packet {
	return &Packet{SessionID: sessionID, Opcode: opcode, Payload: payload}
}

// NewWithCoder creates a packet whose payload is produced by c on send.
func NewWithCoder(sessionID int, opcode uint32, c Coder) *Packet {
	return &Packet{SessionID: sessionID, Opcode: opcode, Coder: c}
}

func (p *Packet) HasFlag(f uint16) bool { return p.Flags&f != 0 }
func (p *Packet) SetFlag(f uint16)      { p.Flags |= f }
func (p *Packet) ClearFlag(f uint16)    { p.Flags &^= f }

// Coder converts between a typed message and its payload bytes.
type Coder interface {
	Encode() ([]byte, error)
	Decode(payload []byte) error
}

// CoderFactory creates a fresh Coder for one decoded packet.
type CoderFactory interface {
	Create() Coder
}

// CoderFactoryFunc adapts a function to CoderFactory.
type CoderFactoryFunc func() Coder

func (f CoderFactoryFunc) Create() Coder { return f() }
