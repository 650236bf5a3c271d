// Package codec provides the payload coders registered on a protocol stack's
// codec layer.
package codec

import (
	"errors"
)

var (
	errNilValue     = errors.New("codec: nil value")
	errNotProtoType = errors.New("codec: value is not a proto message")
)

// Codec 序列化器.
type Codec interface {
	Encode(v any, b []byte) ([]byte, error)
	Decode(v any, b []byte) error
}

var (
	_proto   Codec = &ProtoCodec{}
	_msgpack Codec = &MsgpackCodec{}
)
