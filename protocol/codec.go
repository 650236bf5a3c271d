package protocol

import (
	"net/netip"

	"github.com/lcx/gamenet/packet"
)

// CodecProtocol encodes outbound coders into payloads and decodes inbound
// payloads with the factory registered for their opcode. Factories are
// borrowed: they must outlive every stack they are registered on.
type CodecProtocol struct {
	coders map[uint32]packet.CoderFactory
}

func NewCodecProtocol() *CodecProtocol {
	return &CodecProtocol{coders: make(map[uint32]packet.CoderFactory)}
}

func (c *CodecProtocol) Layer() Layer { return LayerCodec }

func (c *CodecProtocol) Connect(local, peer netip.AddrPort) error { return nil }

// AddCoder registers the factory for opcode. One factory per opcode.
func (c *CodecProtocol) AddCoder(opcode uint32, f packet.CoderFactory) error {
	if _, ok := c.coders[opcode]; ok {
		return ErrCoderExists
	}
	c.coders[opcode] = f
	return nil
}

func (c *CodecProtocol) Send(pkt *packet.Packet) (*packet.Packet, error) {
	if pkt.Coder == nil {
		return pkt, nil
	}
	data, err := pkt.Coder.Encode()
	if err != nil {
		return nil, reportWrap(ReportError, err, "encode packet")
	}
	pkt.Payload = data
	return pkt, nil
}

// Recv leaves packets with unregistered opcodes undecoded.
func (c *CodecProtocol) Recv(pkt *packet.Packet) (*packet.Packet, error) {
	f, ok := c.coders[pkt.Opcode]
	if !ok {
		return pkt, nil
	}
	coder := f.Create()
	if err := coder.Decode(pkt.Payload); err != nil {
		return nil, &LayerError{Level: ReportWarn, Msg: "decode packet", Err: err}
	}
	pkt.Coder = coder
	return pkt, nil
}
