package protocol

import (
	"net/netip"

	"github.com/someonegg/gocontainer/rbuf"

	"github.com/lcx/gamenet/buffer"
	"github.com/lcx/gamenet/packet"
)

// DefaultMaxFrameSize bounds a single frame when none is configured.
const DefaultMaxFrameSize = 16 << 20

// RawProtocol frames packets with a FrameHead and reassembles them from a
// byte stream, keeping partial frames across reads.
type RawProtocol struct {
	maxFrame uint32

	rxbuf    rbuf.RingBuf
	head     FrameHead
	haveHead bool
	scratch  [FrameHeadSize]byte
}

// NewRawProtocol creates a raw layer. maxFrame <= 0 uses DefaultMaxFrameSize.
func NewRawProtocol(maxFrame int) *RawProtocol {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &RawProtocol{maxFrame: uint32(maxFrame)}
}

func (r *RawProtocol) Layer() Layer { return LayerRaw }

func (r *RawProtocol) Connect(local, peer netip.AddrPort) error { return nil }

// Send writes head and payload into one block.
func (r *RawProtocol) Send(pkt *packet.Packet) (*buffer.Block, error) {
	total := FrameHeadSize + len(pkt.Payload)
	if uint64(total) > uint64(r.maxFrame) {
		return nil, reportWrap(ReportError, ErrFrameTooLarge, "send frame")
	}

	b := buffer.New(total)
	PutFrameHead(b.Free(), &FrameHead{
		Length: uint32(total),
		Opcode: pkt.Opcode,
		Status: pkt.Status,
		Flags:  pkt.Flags,
	})
	_ = b.ShiftWritePos(FrameHeadSize)
	_, _ = b.Write(pkt.Payload)
	return b, nil
}

// Recv appends the readable bytes of b to the reassembly buffer and returns
// every complete frame. An invalid head drops everything buffered, since the
// stream cannot be resynchronized.
func (r *RawProtocol) Recv(b *buffer.Block) ([]*packet.Packet, error) {
	if b != nil && b.Readable() > 0 {
		r.rxbuf.Write(b.Bytes())
	}

	var pkts []*packet.Packet
	for {
		if !r.haveHead {
			if r.rxbuf.Len() < FrameHeadSize {
				return pkts, nil
			}
			_, _ = r.rxbuf.Read(r.scratch[:])
			head, err := DecodeFrameHead(r.scratch[:])
			if err == nil && head.Length > r.maxFrame {
				err = ErrFrameTooLarge
			}
			if err != nil {
				r.reset()
				return pkts, reportWrap(ReportError, err, "decode frame head")
			}
			r.head, r.haveHead = head, true
		}

		bodyLen := int(r.head.Length) - FrameHeadSize
		if r.rxbuf.Len() < bodyLen {
			return pkts, nil
		}
		pkt := &packet.Packet{
			Opcode: r.head.Opcode,
			Status: r.head.Status,
			Flags:  r.head.Flags,
		}
		if bodyLen > 0 {
			pkt.Payload = make([]byte, bodyLen)
			_, _ = r.rxbuf.Read(pkt.Payload)
		}
		r.haveHead = false
		pkts = append(pkts, pkt)
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *RawProtocol) Buffered() int {
	n := r.rxbuf.Len()
	if r.haveHead {
		n += FrameHeadSize
	}
	return n
}

func (r *RawProtocol) reset() {
	r.rxbuf = rbuf.RingBuf{}
	r.haveHead = false
}
