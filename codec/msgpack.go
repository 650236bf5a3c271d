package codec

import (
	"github.com/shamaton/msgpack"

	"github.com/lcx/gamenet/packet"
)

// MsgpackCodec 使用msgpack编解码, 适用于无需proto定义的内部消息.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any, b []byte) ([]byte, error) {
	if v == nil {
		return nil, errNilValue
	}
	data, err := msgpack.Encode(v)
	if err != nil {
		return nil, err
	}
	return append(b, data...), nil
}

func (c *MsgpackCodec) Decode(v any, b []byte) error {
	if v == nil {
		return errNilValue
	}
	return msgpack.Decode(b, v)
}

// MsgpackCoder carries a value of T encoded with msgpack.
type MsgpackCoder[T any] struct {
	Val T
}

func (c *MsgpackCoder[T]) Encode() ([]byte, error) {
	return _msgpack.Encode(c.Val, nil)
}

func (c *MsgpackCoder[T]) Decode(payload []byte) error {
	return _msgpack.Decode(&c.Val, payload)
}

// MsgpackFactory returns a factory of empty MsgpackCoder[T].
func MsgpackFactory[T any]() packet.CoderFactory {
	return packet.CoderFactoryFunc(func() packet.Coder {
		return &MsgpackCoder[T]{}
	})
}
