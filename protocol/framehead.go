package protocol

import (
	"encoding/binary"
	"errors"
)

// FrameHeadSize 帧头长度.
const FrameHeadSize = 12

// FrameHead 帧头, 网络字节序.
//
//	0       4       8     10    12
//	+-------+-------+-----+-----+
//	|Length |Opcode |Stat |Flags|
//	+-------+-------+-----+-----+
//
// Length counts the whole frame, head included.
type FrameHead struct {
	Length uint32
	Opcode uint32
	Status uint16
	Flags  uint16
}

// PutFrameHead 编码帧头到buf, buf至少FrameHeadSize.
func PutFrameHead(buf []byte, hdr *FrameHead) {
	binary.BigEndian.PutUint32(buf[0:4], hdr.Length)
	binary.BigEndian.PutUint32(buf[4:8], hdr.Opcode)
	binary.BigEndian.PutUint16(buf[8:10], hdr.Status)
	binary.BigEndian.PutUint16(buf[10:12], hdr.Flags)
}

// DecodeFrameHead 解帧头.
func DecodeFrameHead(buf []byte) (FrameHead, error) {
	if len(buf) < FrameHeadSize {
		return FrameHead{}, errors.New("buff too small")
	}
	hdr := FrameHead{
		Length: binary.BigEndian.Uint32(buf[0:4]),
		Opcode: binary.BigEndian.Uint32(buf[4:8]),
		Status: binary.BigEndian.Uint16(buf[8:10]),
		Flags:  binary.BigEndian.Uint16(buf[10:12]),
	}
	if hdr.Length < FrameHeadSize {
		return hdr, errors.New("invalid")
	}
	return hdr, nil
}
