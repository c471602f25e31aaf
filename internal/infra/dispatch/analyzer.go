package dispatch

import (
	"encoding/binary"
	"sync"
)

// HeaderSize is the per-record header: next offset (uint32), interface
// index (uint16) and datagram length (uint16).
const HeaderSize = 8

// analyzer is one pool node. Records are laid out back to back in buf and
// linked through their next field, so a record written at offset 0 after
// the tail wraps the ring.
type analyzer struct {
	id  int
	buf []byte

	claimed bool // guarded by Pool.claimMu

	mu      sync.Mutex
	cond    *sync.Cond
	r       int  // offset of the oldest unread record
	w       int  // end of the newest record
	last    int  // offset of the newest record
	count   int  // unread records, including the one being read
	reading bool // consumer is handling the record at r
	stopped bool
}

func newAnalyzer(id, size int) *analyzer {
	a := &analyzer{id: id, buf: make([]byte, size)}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// reserve returns an offset where need bytes fit without overwriting an
// unread record, or -1.
func (a *analyzer) reserve(need int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fit(need)
}

// fit requires a.mu.
func (a *analyzer) fit(need int) int {
	if a.count == 0 {
		return 0
	}
	if a.last >= a.r {
		// Unread data spans [r, w): free space after w, then before r.
		if a.w+need <= len(a.buf) {
			return a.w
		}
		if need <= a.r {
			return 0
		}
		return -1
	}
	// Wrapped: unread data spans [r, end) and [0, w).
	if a.w+need <= a.r {
		return a.w
	}
	return -1
}

// commit copies datagram to pos and publishes it to the consumer. The
// caller holds the claim on a, so pos is still free.
func (a *analyzer) commit(pos int, iface uint16, datagram []byte) {
	rec := a.buf[pos : pos+HeaderSize+len(datagram)]
	binary.LittleEndian.PutUint32(rec[0:4], 0)
	binary.LittleEndian.PutUint16(rec[4:6], iface)
	binary.LittleEndian.PutUint16(rec[6:8], uint16(len(datagram)))
	copy(rec[HeaderSize:], datagram)

	a.mu.Lock()
	if a.count == 0 {
		a.r = pos
	} else {
		binary.LittleEndian.PutUint32(a.buf[a.last:a.last+4], uint32(pos))
	}
	a.last = pos
	a.w = pos + len(rec)
	a.count++
	a.mu.Unlock()
	a.cond.Signal()
}

// reclaim frees space by discarding every unread record except the oldest
// one, which the consumer may already be reading. Nothing is discarded
// when the buffer already has room. It returns the reserved offset and the
// number of discarded records, or -1 when even that would not make room.
func (a *analyzer) reclaim(need int) (pos, dropped int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0, 0
	}
	if pos := a.fit(need); pos >= 0 {
		return pos, 0
	}
	end := a.r + a.size(a.r)
	if end+need > len(a.buf) && need > a.r {
		return -1, 0
	}
	dropped = a.count - 1
	a.count = 1
	a.last = a.r
	a.w = end
	return a.fit(need), dropped
}

// size requires a.mu or exclusive access to the record.
func (a *analyzer) size(pos int) int {
	return HeaderSize + int(binary.LittleEndian.Uint16(a.buf[pos+6:pos+8]))
}

// next blocks until a record is pending and returns its offset. It returns
// false once the analyzer is stopped and drained.
func (a *analyzer) next() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.count == 0 && !a.stopped {
		a.cond.Wait()
	}
	if a.count == 0 {
		return 0, false
	}
	a.reading = true
	return a.r, true
}

// record returns the interface and datagram stored at pos. The record
// cannot be overwritten while it is unread.
func (a *analyzer) record(pos int) (uint16, []byte) {
	hdr := a.buf[pos : pos+HeaderSize]
	iface := binary.LittleEndian.Uint16(hdr[4:6])
	n := int(binary.LittleEndian.Uint16(hdr[6:8]))
	return iface, a.buf[pos+HeaderSize : pos+HeaderSize+n]
}

// done retires the record at pos and advances the read cursor.
func (a *analyzer) done(pos int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reading = false
	a.count--
	if a.count > 0 {
		a.r = int(binary.LittleEndian.Uint32(a.buf[pos : pos+4]))
	}
}

func (a *analyzer) stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.cond.Broadcast()
}
