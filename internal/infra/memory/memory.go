// Package memory implements Working Memory: a bounded slab of fixed-size
// records guarded by one mutex per instance.
//
// A Memory is sized once from configuration and never grows. Retiring its
// content (for example after the records were drained into the spatial
// index) resets it in place; the backing buffer is reused.
package memory

import (
	"fmt"
	"sync"

	"github.com/tutu-network/immunet/internal/domain"
)

// Memory is a contiguous buffer of Cap() records of Size() bytes each.
// Invariant: Len() <= Cap() and the write cursor is Len()*Size().
type Memory struct {
	mu       sync.Mutex
	buf      []byte
	size     int
	capacity int
	count    int
}

// New allocates capacity*size bytes. Both values must be positive.
func New(capacity, size int) *Memory {
	if capacity < 0 {
		capacity = 0
	}
	if size < 1 {
		size = 1
	}
	return &Memory{
		buf:      make([]byte, capacity*size),
		size:     size,
		capacity: capacity,
	}
}

// Size returns the record size in bytes.
func (m *Memory) Size() int { return m.size }

// Cap returns the maximum number of records.
func (m *Memory) Cap() int { return m.capacity }

// Len returns the current number of records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Cursor returns the write offset in bytes.
func (m *Memory) Cursor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count * m.size
}

// Reset drops all records without freeing the buffer.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

// Append copies rec at the cursor. It returns false without copying when
// the memory is full or rec is not exactly one record long.
func (m *Memory) Append(rec []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.append(rec)
}

// OverwriteAt replaces record i in place.
func (m *Memory) OverwriteAt(i int, rec []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overwrite(i, rec)
}

// Snapshot returns the record count and a copy of the used region.
func (m *Memory) Snapshot() (int, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make([]byte, m.count*m.size)
	copy(data, m.buf)
	return m.count, data
}

// Records returns a copy of every stored record in storage order.
func (m *Memory) Records() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, m.count)
	for i := range out {
		rec := make([]byte, m.size)
		copy(rec, m.record(i))
		out[i] = rec
	}
	return out
}

// Restore replaces the content with count records read from data.
func (m *Memory) Restore(count int, data []byte) error {
	if count*m.size != len(data) {
		return fmt.Errorf("%w: %d records need %d bytes, got %d", domain.ErrRecordSize, count, count*m.size, len(data))
	}
	if count > m.capacity {
		return fmt.Errorf("%w: %d records exceed capacity %d", domain.ErrMemoryFull, count, m.capacity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.buf, data)
	m.count = count
	return nil
}

// Update runs fn with the lock held. Nested Updates on different
// memories must always be taken in the same order by every caller.
func (m *Memory) Update(fn func(tx *Tx)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&Tx{m: m})
}

func (m *Memory) reset() {
	m.count = 0
}

func (m *Memory) append(rec []byte) bool {
	if len(rec) != m.size || m.count >= m.capacity {
		return false
	}
	copy(m.buf[m.count*m.size:], rec)
	m.count++
	return true
}

func (m *Memory) overwrite(i int, rec []byte) bool {
	if len(rec) != m.size || i < 0 || i >= m.count {
		return false
	}
	copy(m.record(i), rec)
	return true
}

func (m *Memory) record(i int) []byte {
	off := i * m.size
	return m.buf[off : off+m.size : off+m.size]
}

// Tx is the locked view handed to Update callbacks. Slices returned by At
// alias the buffer and are only valid inside the callback.
type Tx struct {
	m *Memory
}

// Len returns the current number of records.
func (tx *Tx) Len() int { return tx.m.count }

// Cap returns the maximum number of records.
func (tx *Tx) Cap() int { return tx.m.capacity }

// Full reports whether no record can be appended.
func (tx *Tx) Full() bool { return tx.m.count >= tx.m.capacity }

// At returns record i.
func (tx *Tx) At(i int) []byte { return tx.m.record(i) }

// Append copies rec at the cursor.
func (tx *Tx) Append(rec []byte) bool { return tx.m.append(rec) }

// OverwriteAt replaces record i in place.
func (tx *Tx) OverwriteAt(i int, rec []byte) bool { return tx.m.overwrite(i, rec) }

// Reset drops all records.
func (tx *Tx) Reset() { tx.m.reset() }
