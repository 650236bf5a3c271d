// Package buffer provides the growable byte block moved between protocol
// layers and across poller/service goroutines.
package buffer

import (
	"errors"

	"github.com/bytedance/gopkg/lang/mcache"
)

// DefaultSize is the capacity of a block created without an explicit size.
const DefaultSize = 1024

var (
	ErrInsufficient = errors.New("buffer: insufficient readable bytes")
	ErrAttached     = errors.New("buffer: attached block cannot be resized")
	ErrOutOfRange   = errors.New("buffer: position out of range")
)

// Block is a byte buffer with independent read and write cursors.
//
// Invariant: 0 <= readPos <= writePos <= Size(). Readable bytes are
// writePos-readPos, writable bytes are Size()-writePos.
//
// A block either owns its storage (allocated from mcache and returned on
// Release) or is attached to a caller supplied slice, in which case it never
// grows or frees that slice.
//
// Block is not safe for concurrent use. Exactly one goroutine owns a block at
// a time; ownership moves across goroutines through queue.Parcel.
type Block struct {
	attached bool
	buf      []byte
	readPos  int
	writePos int

	prev *Block
	next *Block
}

// New creates an owned block with the given capacity.
func New(size int) *Block {
	if size <= 0 {
		size = DefaultSize
	}
	return &Block{buf: mcache.Malloc(size)}
}

// Attach wraps p without copying. The whole slice is considered written.
func Attach(p []byte) *Block {
	return &Block{attached: true, buf: p, writePos: len(p)}
}

// FromBytes creates an owned block holding a copy of p.
func FromBytes(p []byte) *Block {
	b := New(len(p))
	_, _ = b.Write(p)
	return b
}

func (b *Block) Attached() bool { return b.attached }
func (b *Block) Size() int      { return len(b.buf) }
func (b *Block) ReadPos() int   { return b.readPos }
func (b *Block) WritePos() int  { return b.writePos }
func (b *Block) Readable() int  { return b.writePos - b.readPos }
func (b *Block) Writable() int  { return len(b.buf) - b.writePos }

// Bytes returns the readable region. The slice aliases the block storage and
// is only valid until the next mutating call.
func (b *Block) Bytes() []byte { return b.buf[b.readPos:b.writePos] }

// Free returns the writable region, for reading from a socket directly into
// the block. Follow with ShiftWritePos.
func (b *Block) Free() []byte { return b.buf[b.writePos:] }

// Write appends p, growing the block to max(writePos+len(p), 2*Size()) when
// it does not fit.
func (b *Block) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if need := b.writePos + len(p); need > len(b.buf) {
		if err := b.Allocate(max(need, len(b.buf)*2)); err != nil {
			return 0, err
		}
	}
	n := copy(b.buf[b.writePos:], p)
	b.writePos += n
	return n, nil
}

// Read copies exactly len(p) bytes out and advances the read cursor. It fails
// without consuming anything when fewer bytes are readable.
func (b *Block) Read(p []byte) error {
	if len(p) > b.Readable() {
		return ErrInsufficient
	}
	b.readPos += copy(p, b.buf[b.readPos:b.writePos])
	return nil
}

// Allocate grows the capacity to size, keeping content and cursors.
func (b *Block) Allocate(size int) error {
	if b.attached {
		return ErrAttached
	}
	if size <= len(b.buf) {
		return nil
	}
	nb := mcache.Malloc(size)
	copy(nb, b.buf[:b.writePos])
	if b.buf != nil {
		mcache.Free(b.buf)
	}
	b.buf = nb
	return nil
}

func (b *Block) ShiftReadPos(off int) error {
	return b.SetReadPos(b.readPos + off)
}

func (b *Block) ShiftWritePos(off int) error {
	return b.SetWritePos(b.writePos + off)
}

func (b *Block) SetReadPos(pos int) error {
	if pos < 0 || pos > b.writePos {
		return ErrOutOfRange
	}
	b.readPos = pos
	return nil
}

func (b *Block) SetWritePos(pos int) error {
	if pos < b.readPos || pos > len(b.buf) {
		return ErrOutOfRange
	}
	b.writePos = pos
	return nil
}

// Reset rewinds both cursors without touching the storage.
func (b *Block) Reset() {
	b.readPos, b.writePos = 0, 0
}

// Clone copies an owned block's storage and cursors. An attached block is
// re-wrapped around the same slice. Chain links are not copied.
func (b *Block) Clone() *Block {
	if b.attached {
		return &Block{attached: true, buf: b.buf, readPos: b.readPos, writePos: b.writePos}
	}
	c := &Block{buf: mcache.Malloc(max(len(b.buf), 1)), readPos: b.readPos, writePos: b.writePos}
	copy(c.buf, b.buf[:b.writePos])
	return c
}

// Release returns owned storage to the allocator. The block must not be used
// afterwards.
func (b *Block) Release() {
	if !b.attached && b.buf != nil {
		mcache.Free(b.buf)
	}
	b.buf = nil
	b.readPos, b.writePos = 0, 0
	b.prev, b.next = nil, nil
}

func (b *Block) Next() *Block { return b.next }
func (b *Block) Prev() *Block { return b.prev }
