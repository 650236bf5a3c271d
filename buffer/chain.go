package buffer

// Chain is an intrusive FIFO of blocks linked through their prev/next
// fields. A block belongs to at most one chain at a time.
type Chain struct {
	head *Block
	tail *Block
	n    int
}

// PushBack appends b. b must not be linked into another chain.
func (c *Chain) PushBack(b *Block) {
	b.prev, b.next = c.tail, nil
	if c.tail != nil {
		c.tail.next = b
	} else {
		c.head = b
	}
	c.tail = b
	c.n++
}

// PushFront prepends b, used to give back a partially sent block.
func (c *Chain) PushFront(b *Block) {
	b.prev, b.next = nil, c.head
	if c.head != nil {
		c.head.prev = b
	} else {
		c.tail = b
	}
	c.head = b
	c.n++
}

// PopFront unlinks and returns the first block, or nil.
func (c *Chain) PopFront() *Block {
	b := c.head
	if b == nil {
		return nil
	}
	c.head = b.next
	if c.head != nil {
		c.head.prev = nil
	} else {
		c.tail = nil
	}
	b.next = nil
	c.n--
	return b
}

func (c *Chain) Front() *Block { return c.head }
func (c *Chain) Len() int      { return c.n }
func (c *Chain) Empty() bool   { return c.n == 0 }

// Readable sums the readable bytes of every block.
func (c *Chain) Readable() int {
	total := 0
	for b := c.head; b != nil; b = b.next {
		total += b.Readable()
	}
	return total
}

// Merge drains the chain into one owned block holding the readable bytes of
// all blocks in order. It returns nil for an empty chain.
func (c *Chain) Merge() *Block {
	if c.n == 0 {
		return nil
	}
	if c.n == 1 && !c.head.attached {
		return c.PopFront()
	}
	out := New(c.Readable())
	for b := c.PopFront(); b != nil; b = c.PopFront() {
		_, _ = out.Write(b.Bytes())
		b.Release()
	}
	return out
}

// Release frees every block and empties the chain.
func (c *Chain) Release() {
	for b := c.PopFront(); b != nil; b = c.PopFront() {
		b.Release()
	}
}
