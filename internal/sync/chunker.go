package sync

import "time"

// chunker re-slices items into fixed-size chunks and drops records repeated
// at a shared segment boundary.
type chunker struct {
	size   int
	buf    []Item
	lastTs time.Time
	seen   map[int64]struct{}
}

func newChunker(size int) *chunker {
	return &chunker{size: size, seen: make(map[int64]struct{})}
}

func (c *chunker) add(it Item) {
	switch {
	case it.Timestamp.Equal(c.lastTs):
		if _, dup := c.seen[it.MessageID]; dup {
			return
		}
	case it.Timestamp.After(c.lastTs):
		c.lastTs = it.Timestamp
		clear(c.seen)
	}
	c.seen[it.MessageID] = struct{}{}
	c.buf = append(c.buf, it)
}

// full removes and returns every complete chunk. With size zero nothing is
// complete until rest.
func (c *chunker) full() [][]Item {
	if c.size <= 0 {
		return nil
	}
	var chunks [][]Item
	for len(c.buf) >= c.size {
		chunk := make([]Item, c.size)
		copy(chunk, c.buf)
		chunks = append(chunks, chunk)
		c.buf = c.buf[c.size:]
	}
	return chunks
}

// rest returns whatever is left.
func (c *chunker) rest() []Item {
	rest := c.buf
	c.buf = nil
	return rest
}
