package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure; no infrastructure dependency.

var (
	// Startup errors (fatal: the process refuses to start)
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrSnapshotCorrupted  = errors.New("detector snapshot is malformed")
	ErrRecordSizeMismatch = errors.New("snapshot record size does not match configuration")
	ErrSnapshotNotFound   = errors.New("detector snapshot not found")

	// Working memory errors
	ErrMemoryFull        = errors.New("working memory is full")
	ErrRecordSize        = errors.New("record has wrong size for working memory")
	ErrRecordOutOfBounds = errors.New("record index outside working memory")

	// Dispatch pool errors (recoverable: the packet is dropped)
	ErrPoolSaturated  = errors.New("dispatch pool saturated, packet dropped")
	ErrPacketTooLarge = errors.New("packet larger than analyzer buffer")
	ErrPoolClosed     = errors.New("dispatch pool is closed")

	// Packet decoding errors
	ErrShortDatagram = errors.New("datagram shorter than minimal IP header")
	ErrNotIPv4       = errors.New("datagram is not IPv4")

	// Capture errors
	ErrUnsupportedPlatform = errors.New("raw packet capture is not supported on this platform")

	// Report errors
	ErrCircuitOpen = errors.New("circuit breaker open")
)
