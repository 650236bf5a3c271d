package codec

import (
	"google.golang.org/protobuf/proto"

	"github.com/lcx/gamenet/packet"
)

// ProtoCodec 使用protobuf编解码.
type ProtoCodec struct{}

// Encode appends the wire form of v to b.
func (c *ProtoCodec) Encode(v any, b []byte) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, errNotProtoType
	}
	return proto.MarshalOptions{}.MarshalAppend(b, m)
}

// Decode ...
func (c *ProtoCodec) Decode(v any, b []byte) error {
	m, ok := v.(proto.Message)
	if !ok {
		return errNotProtoType
	}
	return proto.Unmarshal(b, m)
}

// ProtoCoder wraps a proto message as a packet coder.
type ProtoCoder struct {
	Msg proto.Message
}

func (c *ProtoCoder) Encode() ([]byte, error) {
	if c.Msg == nil {
		return nil, errNilValue
	}
	return _proto.Encode(c.Msg, nil)
}

func (c *ProtoCoder) Decode(payload []byte) error {
	if c.Msg == nil {
		return errNilValue
	}
	return _proto.Decode(c.Msg, payload)
}

// ProtoFactory returns a factory creating coders around fresh messages of
// tmpl's type.
func ProtoFactory(tmpl proto.Message) packet.CoderFactory {
	return packet.CoderFactoryFunc(func() packet.Coder {
		return &ProtoCoder{Msg: tmpl.ProtoReflect().New().Interface()}
	})
}
