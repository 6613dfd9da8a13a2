package process

import (
	"sync"

	"github.com/devboard/devboard/internal/store"
)

// DefaultEntryBufferSize caps the per-execution ring of recent entries.
const DefaultEntryBufferSize = 10000

// EntryBuffer is a ring buffer of recently normalized log entries, kept on
// each managed process for cheap in-memory access. The store is the durable
// source of truth.
type EntryBuffer struct {
	entries []*store.LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewEntryBuffer creates a ring buffer with the given capacity.
func NewEntryBuffer(size int) *EntryBuffer {
	if size <= 0 {
		size = DefaultEntryBufferSize
	}
	return &EntryBuffer{
		entries: make([]*store.LogEntry, size),
		size:    size,
	}
}

// Add appends an entry, evicting the oldest when full.
func (b *EntryBuffer) Add(entry *store.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.entries[idx] = entry
}

// GetAll returns the buffered entries, oldest first.
func (b *EntryBuffer) GetAll() []*store.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*store.LogEntry, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(b.head+i)%b.size]
	}
	return result
}

// GetLast returns the most recent n entries, oldest first.
func (b *EntryBuffer) GetLast(n int) []*store.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]*store.LogEntry, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.entries[(b.head+start+i)%b.size]
	}
	return result
}

// Count returns the number of buffered entries.
func (b *EntryBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
