package protocol

import (
	"bytes"
	"compress/zlib"
	"io"
	"net/netip"

	"github.com/lcx/gamenet/packet"
)

// DefaultCompressThreshold is the smallest payload worth compressing.
const DefaultCompressThreshold = 256

// CompressProtocol zlib-compresses payloads at or above a threshold and marks
// them with packet.FlagCompressed.
type CompressProtocol struct {
	level     int
	threshold int
	maxSize   int
}

// NewCompressProtocol creates a compress layer. level follows compress/zlib;
// threshold <= 0 uses DefaultCompressThreshold. maxSize bounds an inflated
// payload, <= 0 uses DefaultMaxFrameSize.
func NewCompressProtocol(level, threshold, maxSize int) *CompressProtocol {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &CompressProtocol{level: level, threshold: threshold, maxSize: maxSize}
}

func (c *CompressProtocol) Layer() Layer { return LayerCompress }

func (c *CompressProtocol) Connect(local, peer netip.AddrPort) error { return nil }

func (c *CompressProtocol) Send(pkt *packet.Packet) (*packet.Packet, error) {
	if len(pkt.Payload) < c.threshold || pkt.HasFlag(packet.FlagCompressed) {
		return pkt, nil
	}

	var out bytes.Buffer
	w, err := zlib.NewWriterLevel(&out, c.level)
	if err != nil {
		return nil, reportWrap(ReportError, err, "zlib writer")
	}
	if _, err = w.Write(pkt.Payload); err == nil {
		err = w.Close()
	}
	if err != nil {
		return nil, reportWrap(ReportError, err, "compress payload")
	}

	pkt.Payload = out.Bytes()
	pkt.SetFlag(packet.FlagCompressed)
	return pkt, nil
}

func (c *CompressProtocol) Recv(pkt *packet.Packet) (*packet.Packet, error) {
	if !pkt.HasFlag(packet.FlagCompressed) {
		return pkt, nil
	}

	r, err := zlib.NewReader(bytes.NewReader(pkt.Payload))
	if err != nil {
		return nil, reportWrap(ReportWarn, err, "decompress payload")
	}
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, int64(c.maxSize)+1))
	if err != nil {
		return nil, reportWrap(ReportWarn, err, "decompress payload")
	}
	if len(data) > c.maxSize {
		return nil, reportWrap(ReportWarn, ErrFrameTooLarge, "decompress payload")
	}

	pkt.Payload = data
	pkt.ClearFlag(packet.FlagCompressed)
	return pkt, nil
}
