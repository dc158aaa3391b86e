package session

import (
	"log"
	"sync"

	"github.com/earthring/netclient/internal/protocol"
)

// Buffer holds inbound messages that arrive before authentication. It is
// bounded; when full the oldest message is dropped.
type Buffer struct {
	mu       sync.Mutex
	items    []protocol.Envelope
	capacity int
	dropped  int64
}

// NewBuffer creates a buffer holding at most capacity messages
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{capacity: capacity}
}

// Push appends env and reports whether an older message was dropped to
// make room
func (b *Buffer) Push(env protocol.Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := false
	if len(b.items) >= b.capacity {
		log.Printf("[Session] Warning: pre-auth buffer full, dropping oldest %s message", b.items[0].Type)
		b.items[0] = protocol.Envelope{}
		b.items = b.items[1:]
		b.dropped++
		dropped = true
	}
	b.items = append(b.items, env)
	return dropped
}

// Drain removes and returns every buffered message in arrival order
func (b *Buffer) Drain() []protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Clear discards buffered messages and returns how many there were
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	b.items = nil
	return n
}

// Len returns the number of buffered messages
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped returns how many messages have been dropped since creation
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
