package protocol

import (
	"net/netip"

	"github.com/lcx/gamenet/packet"
)

// Direction tells a filter which way a packet is travelling.
type Direction int

const (
	DirSend Direction = iota
	DirRecv
)

func (d Direction) String() string {
	if d == DirSend {
		return "send"
	}
	return "recv"
}

// FilterHandleFunc continues processing of a packet after a filter.
//
// Parameters:
// - pkt: the packet to hand on, possibly replaced by the filter
//
// Returns:
// An error if processing fails further down the chain
type FilterHandleFunc func(pkt *packet.Packet) error

// Filter intercepts packets at a layer boundary. A filter passes a packet on
// by calling next; returning without calling next drops the packet. A
// returned error is reported to the service and the packet is dropped.
type Filter func(dir Direction, pkt *packet.Packet, next FilterHandleFunc) error

// FilterChain runs filters in order. Sending uses registration order,
// receiving uses Reverse.
type FilterChain []Filter

// Handle processes pkt through the chain recursively, finishing with f.
func (fc FilterChain) Handle(dir Direction, pkt *packet.Packet, f FilterHandleFunc) error {
	if len(fc) == 0 {
		return f(pkt)
	}
	return fc[0](dir, pkt, func(pkt *packet.Packet) error {
		return fc[1:].Handle(dir, pkt, f)
	})
}

// Reverse returns the chain in reverse registration order.
func (fc FilterChain) Reverse() FilterChain {
	out := make(FilterChain, len(fc))
	for i, f := range fc {
		out[len(fc)-1-i] = f
	}
	return out
}

// apply runs the chain in the order dir requires and returns the packet that
// came out of it, or nil when a filter dropped it.
func (fc FilterChain) apply(dir Direction, pkt *packet.Packet) (*packet.Packet, error) {
	if len(fc) == 0 {
		return pkt, nil
	}
	chain := fc
	if dir == DirRecv {
		chain = fc.Reverse()
	}
	var out *packet.Packet
	err := chain.Handle(dir, pkt, func(p *packet.Packet) error {
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FilterProtocol is the top layer. It runs its own chain of filters,
// installed at construction or through Stack.SetFilter.
type FilterProtocol struct {
	chain FilterChain
}

func NewFilterProtocol(filters ...Filter) *FilterProtocol {
	return &FilterProtocol{chain: append(FilterChain(nil), filters...)}
}

func (f *FilterProtocol) Layer() Layer { return LayerFilter }

func (f *FilterProtocol) Connect(local, peer netip.AddrPort) error { return nil }

func (f *FilterProtocol) addFilter(flt Filter) { f.chain = append(f.chain, flt) }

func (f *FilterProtocol) Send(pkt *packet.Packet) (*packet.Packet, error) {
	return f.chain.apply(DirSend, pkt)
}

func (f *FilterProtocol) Recv(pkt *packet.Packet) (*packet.Packet, error) {
	return f.chain.apply(DirRecv, pkt)
}

// OpcodeFilter drops packets whose opcode is in the blocked set, in both
// directions.
func OpcodeFilter(blocked ...uint32) Filter {
	set := make(map[uint32]struct{}, len(blocked))
	for _, op := range blocked {
		set[op] = struct{}{}
	}
	return func(dir Direction, pkt *packet.Packet, next FilterHandleFunc) error {
		if _, ok := set[pkt.Opcode]; ok {
			return nil
		}
		return next(pkt)
	}
}
