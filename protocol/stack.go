package protocol

import (
	"net/netip"

	"github.com/lcx/gamenet/buffer"
	"github.com/lcx/gamenet/packet"
)

// Stack is the ordered pipeline of layers bound to one session, or to none
// when built standalone. All layers are installed before the stack is used;
// the stack is then driven by a single goroutine.
//
// Send runs the layers top down (filter, codec, compress, raw), Recv bottom
// up. Layer failures are reported through the Reporter and never tear the
// connection down.
type Stack struct {
	kind      StackType
	sessionID int
	reporter  Reporter

	raw     FrameProtocol
	layers  [LayerEnd]PacketProtocol
	filters [LayerEnd]FilterChain
}

// StackOption configures a Stack at construction.
type StackOption func(*Stack)

// WithSessionID binds the stack to a session.
func WithSessionID(id int) StackOption {
	return func(s *Stack) { s.sessionID = id }
}

// WithReporter sets where layer failures go.
func WithReporter(r Reporter) StackOption {
	return func(s *Stack) { s.reporter = r }
}

// NewStack creates an empty stack of the given type.
func NewStack(kind StackType, opts ...StackOption) *Stack {
	s := &Stack{kind: kind}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stack) Kind() StackType { return s.kind }
func (s *Stack) SessionID() int  { return s.sessionID }

// AddProtocol installs p in the slot of its layer.
func (s *Stack) AddProtocol(p Protocol) error {
	l := p.Layer()
	if !l.Valid() {
		return ErrInvalidLayer
	}
	if !s.kind.Contains(l) {
		return ErrLayerNotAllowed
	}
	if s.Protocol(l) != nil {
		return ErrLayerOccupied
	}

	if l == LayerRaw {
		fp, ok := p.(FrameProtocol)
		if !ok {
			return ErrInvalidLayer
		}
		s.raw = fp
		return nil
	}
	pp, ok := p.(PacketProtocol)
	if !ok {
		return ErrInvalidLayer
	}
	s.layers[l] = pp
	return nil
}

// Protocol returns the layer installed at l, or nil.
func (s *Stack) Protocol(l Layer) Protocol {
	if !l.Valid() {
		return nil
	}
	if l == LayerRaw {
		if s.raw == nil {
			return nil
		}
		return s.raw
	}
	if s.layers[l] == nil {
		return nil
	}
	return s.layers[l]
}

// AddCoder registers a coder factory on the codec layer.
func (s *Stack) AddCoder(opcode uint32, f packet.CoderFactory) error {
	reg, ok := s.layers[LayerCodec].(CoderRegistry)
	if !ok {
		return ErrNoCodecLayer
	}
	return reg.AddCoder(opcode, f)
}

// SetFilter appends f at layer l. Filters at the filter layer join the
// FilterProtocol's chain when one is installed.
func (s *Stack) SetFilter(f Filter, l Layer) error {
	if !l.Valid() {
		return ErrInvalidLayer
	}
	if !s.kind.Contains(l) {
		return ErrLayerNotAllowed
	}
	if fp, ok := s.layers[l].(*FilterProtocol); ok {
		fp.addFilter(f)
		return nil
	}
	s.filters[l] = append(s.filters[l], f)
	return nil
}

// Connect notifies every installed layer, bottom up, that the session is
// established.
func (s *Stack) Connect(local, peer netip.AddrPort) error {
	for l := LayerRaw; l < LayerEnd; l++ {
		p := s.Protocol(l)
		if p == nil {
			continue
		}
		if err := p.Connect(local, peer); err != nil {
			s.report(l, err)
			return err
		}
	}
	return nil
}

// Send encodes pkt into a wire block. A nil block with a nil error means a
// filter dropped the packet.
func (s *Stack) Send(pkt *packet.Packet) (*buffer.Block, error) {
	pkt, err := s.SendCodec(pkt)
	if err != nil || pkt == nil {
		return nil, err
	}
	return s.SendRaw(pkt)
}

// SendCodec runs the filter and codec layers.
func (s *Stack) SendCodec(pkt *packet.Packet) (*packet.Packet, error) {
	for _, l := range [...]Layer{LayerFilter, LayerCodec} {
		var err error
		if pkt, err = s.sendStep(l, pkt); err != nil || pkt == nil {
			return nil, err
		}
	}
	return pkt, nil
}

// SendRaw runs the compress and raw layers.
func (s *Stack) SendRaw(pkt *packet.Packet) (*buffer.Block, error) {
	pkt, err := s.sendStep(LayerCompress, pkt)
	if err != nil || pkt == nil {
		return nil, err
	}
	if pkt, err = s.filters[LayerRaw].apply(DirSend, pkt); err != nil || pkt == nil {
		if err != nil {
			s.report(LayerRaw, err)
		}
		return nil, err
	}
	if s.raw == nil {
		s.report(LayerRaw, ErrNoRawLayer)
		return nil, ErrNoRawLayer
	}
	b, err := s.raw.Send(pkt)
	if err != nil {
		s.report(LayerRaw, err)
		return nil, err
	}
	return b, nil
}

// Recv decodes every complete packet found in b. The stack consumes b's
// readable bytes but does not release it. Packets that fail a layer are
// reported and skipped; the first such error is returned alongside the
// packets that made it through.
func (s *Stack) Recv(b *buffer.Block) ([]*packet.Packet, error) {
	raws, firstErr := s.RecvRaw(b)
	out := raws[:0]
	for _, pkt := range raws {
		decoded, err := s.RecvCodec(pkt)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if decoded != nil {
			out = append(out, decoded)
		}
	}
	return out, firstErr
}

// RecvRaw reassembles frames from b. Bytes of an incomplete frame are kept
// by the raw layer; zero packets with a nil error means more bytes are
// needed.
func (s *Stack) RecvRaw(b *buffer.Block) ([]*packet.Packet, error) {
	if s.raw == nil {
		s.report(LayerRaw, ErrNoRawLayer)
		return nil, ErrNoRawLayer
	}
	pkts, rawErr := s.raw.Recv(b)
	if rawErr != nil {
		s.report(LayerRaw, rawErr)
	}

	out := pkts[:0]
	for _, pkt := range pkts {
		pkt.SessionID = s.sessionID
		filtered, err := s.filters[LayerRaw].apply(DirRecv, pkt)
		if err != nil {
			s.report(LayerRaw, err)
			continue
		}
		if filtered != nil {
			out = append(out, filtered)
		}
	}
	return out, rawErr
}

// RecvCodec runs the compress, codec and filter layers on one framed packet.
// A nil packet with a nil error means a filter consumed it.
func (s *Stack) RecvCodec(pkt *packet.Packet) (*packet.Packet, error) {
	for _, l := range [...]Layer{LayerCompress, LayerCodec, LayerFilter} {
		var err error
		if pkt, err = s.recvStep(l, pkt); err != nil || pkt == nil {
			return nil, err
		}
	}
	return pkt, nil
}

func (s *Stack) sendStep(l Layer, pkt *packet.Packet) (*packet.Packet, error) {
	pkt, err := s.filters[l].apply(DirSend, pkt)
	if err == nil && pkt != nil && s.layers[l] != nil {
		pkt, err = s.layers[l].Send(pkt)
	}
	if err != nil {
		s.report(l, err)
		return nil, err
	}
	return pkt, nil
}

func (s *Stack) recvStep(l Layer, pkt *packet.Packet) (*packet.Packet, error) {
	var err error
	if s.layers[l] != nil {
		pkt, err = s.layers[l].Recv(pkt)
	}
	if err == nil && pkt != nil {
		pkt, err = s.filters[l].apply(DirRecv, pkt)
	}
	if err != nil {
		s.report(l, err)
		return nil, err
	}
	return pkt, nil
}

// Report forwards a report for this stack's session.
func (s *Stack) Report(l Layer, level ReportLevel, report string) {
	if s.reporter != nil {
		s.reporter.Report(s.sessionID, l, level, report)
	}
}

func (s *Stack) report(l Layer, err error) {
	s.Report(l, levelOf(err), err.Error())
}
