package protocol

import (
	"compress/zlib"

	"github.com/lcx/gamenet/packet"
)

// StackBuilder holds the layer configuration shared by every session's stack.
// It is filled in before the pollers start and only read afterwards.
type StackBuilder struct {
	maxFrameSize      int
	compress          bool
	compressLevel     int
	compressThreshold int
	coders            map[uint32]packet.CoderFactory
	filters           [LayerEnd]FilterChain
}

func NewStackBuilder() *StackBuilder {
	return &StackBuilder{
		maxFrameSize:  DefaultMaxFrameSize,
		compressLevel: zlib.DefaultCompression,
		coders:        make(map[uint32]packet.CoderFactory),
	}
}

// MaxFrameSize bounds frames accepted and produced by the raw layer, and
// payloads inflated by the compress layer.
func (b *StackBuilder) MaxFrameSize(n int) *StackBuilder {
	b.maxFrameSize = n
	return b
}

// Compress installs a compress layer with the given zlib level and threshold.
func (b *StackBuilder) Compress(level, threshold int) *StackBuilder {
	b.compress = true
	b.compressLevel = level
	b.compressThreshold = threshold
	return b
}

// AddCoder registers a coder factory installed on every built stack.
func (b *StackBuilder) AddCoder(opcode uint32, f packet.CoderFactory) error {
	if _, ok := b.coders[opcode]; ok {
		return ErrCoderExists
	}
	b.coders[opcode] = f
	return nil
}

// SetFilter adds a filter installed at layer l on every built stack.
func (b *StackBuilder) SetFilter(f Filter, l Layer) error {
	if !l.Valid() {
		return ErrInvalidLayer
	}
	b.filters[l] = append(b.filters[l], f)
	return nil
}

// Build creates a stack of kind for session with every configured layer the
// kind admits.
func (b *StackBuilder) Build(kind StackType, sessionID int, r Reporter) *Stack {
	s := NewStack(kind, WithSessionID(sessionID), WithReporter(r))

	if kind.Contains(LayerRaw) {
		_ = s.AddProtocol(NewRawProtocol(b.maxFrameSize))
	}
	if kind.Contains(LayerCompress) && b.compress {
		_ = s.AddProtocol(NewCompressProtocol(b.compressLevel, b.compressThreshold, b.maxFrameSize))
	}
	if kind.Contains(LayerCodec) {
		codec := NewCodecProtocol()
		for op, f := range b.coders {
			_ = codec.AddCoder(op, f)
		}
		_ = s.AddProtocol(codec)
	}
	if kind.Contains(LayerFilter) {
		_ = s.AddProtocol(NewFilterProtocol())
	}

	for l, chain := range b.filters {
		for _, f := range chain {
			_ = s.SetFilter(f, Layer(l))
		}
	}
	return s
}
