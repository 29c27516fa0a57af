package buffer

import "io"

// Tail is an io.Writer that keeps only the last n bytes written to it.
type Tail struct {
	ring *Ring[byte]
}

var _ io.Writer = (*Tail)(nil)

// NewTail creates a Tail retaining at most n bytes.
func NewTail(n int) *Tail {
	return &Tail{ring: NewRing[byte](n)}
}

// Write never fails; bytes beyond the capacity push out the oldest ones.
func (t *Tail) Write(p []byte) (int, error) {
	n := len(p)
	if capacity := t.ring.Cap(); len(p) > capacity {
		p = p[len(p)-capacity:]
	}
	for _, b := range p {
		t.ring.Push(b)
	}
	return n, nil
}

// Bytes returns the retained bytes.
func (t *Tail) Bytes() []byte {
	return t.ring.Items()
}

// String returns the retained bytes as a string.
func (t *Tail) String() string {
	return string(t.Bytes())
}
