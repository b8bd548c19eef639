// Package buffer provides the fixed-capacity rolling window used for the
// diagnostic out/err fields of a run status.
package buffer

import (
	"sync"
	"unicode/utf8"
)

// Bounded keeps the last MaxSize characters pushed into it.
// The window is a rune ring; when full, every pushed rune evicts the oldest.
type Bounded struct {
	mu    sync.Mutex
	ring  []rune
	head  int // index of the oldest rune
	size  int
	str   string
	dirty bool
}

// NewBounded creates a buffer holding at most maxSize characters.
// A capacity of 0 discards everything.
func NewBounded(maxSize int) *Bounded {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Bounded{ring: make([]rune, maxSize)}
}

// Push appends text character by character, evicting the oldest character
// whenever the window is full.
func (b *Bounded) Push(text string) {
	capacity := len(b.ring)
	if capacity == 0 || text == "" {
		return
	}

	// Only the tail that can survive needs to be copied in.
	if n := utf8.RuneCountInString(text); n > capacity {
		skip := n - capacity
		for i := range text {
			if skip == 0 {
				text = text[i:]
				break
			}
			skip--
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range text {
		if b.size == capacity {
			b.ring[b.head] = r
			b.head = (b.head + 1) % capacity
		} else {
			b.ring[(b.head+b.size)%capacity] = r
			b.size++
		}
	}
	b.dirty = true
}

// String returns the buffered characters, oldest first.
func (b *Bounded) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return b.str
	}
	out := make([]rune, 0, b.size)
	capacity := len(b.ring)
	for i := 0; i < b.size; i++ {
		out = append(out, b.ring[(b.head+i)%capacity])
	}
	b.str = string(out)
	b.dirty = false
	return b.str
}

// Size returns the number of buffered characters.
func (b *Bounded) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// MaxSize returns the fixed capacity.
func (b *Bounded) MaxSize() int {
	return len(b.ring)
}
