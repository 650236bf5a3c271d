// Package protocol implements the layered byte <-> packet pipeline bound to
// each session.
package protocol

// Layer is a stage of the pipeline. Lower layers are closer to the wire.
// Receiving runs layers in ascending order, sending in descending order.
type Layer int

const (
	LayerRaw Layer = iota
	LayerCompress
	LayerCodec
	LayerFilter
	LayerEnd
)

var layerNames = [LayerEnd]string{"raw", "compress", "codec", "filter"}

func (l Layer) String() string {
	if !l.Valid() {
		return "unknown"
	}
	return layerNames[l]
}

func (l Layer) Valid() bool { return l >= LayerRaw && l < LayerEnd }

// StackType selects which layers a stack may hold.
type StackType int

const (
	// RawStack packs and unpacks frames: raw and compress layers.
	RawStack StackType = iota
	// CodecStack turns payloads into typed messages: codec and filter layers.
	CodecStack
	// FullStack holds every layer.
	FullStack
)

func (t StackType) String() string {
	switch t {
	case RawStack:
		return "raw"
	case CodecStack:
		return "codec"
	case FullStack:
		return "full"
	}
	return "unknown"
}

// Contains reports whether a stack of this type accepts layer l.
func (t StackType) Contains(l Layer) bool {
	switch t {
	case RawStack:
		return l == LayerRaw || l == LayerCompress
	case CodecStack:
		return l == LayerCodec || l == LayerFilter
	case FullStack:
		return l.Valid()
	}
	return false
}
