// Package bufpool provides a tiered buffer pool for efficient memory reuse.
//
// The pool hands out reusable byte slices for wire units and block data,
// cutting allocation churn on the per-command serialization path.
//
// Three size tiers balance memory efficiency with reuse:
//   - Frame buffers (default 256B): information units and descriptor blocks
//   - Sector buffers (default 64KB): single-command block transfers
//   - Bulk buffers (default 1MB): large multi-block transfers
//
// Buffers larger than the bulk tier are allocated directly and not pooled,
// so occasional outsized transfers do not pin memory.
//
// All operations are safe for concurrent use via sync.Pool.
//
// Usage:
//
//	buf := bufpool.Get(size)
//	defer bufpool.Put(buf)
package bufpool

import (
	"sync"
)

// Default buffer size classes. These can be overridden with NewPool.
const (
	// DefaultFrameSize covers every information unit (256B)
	DefaultFrameSize = 256

	// DefaultSectorSize covers typical block transfers (64KB)
	DefaultSectorSize = 64 << 10

	// DefaultBulkSize covers large transfers (1MB)
	DefaultBulkSize = 1 << 20
)

// Pool manages a set of byte slice pools organized by size class. It
// selects the pool from the requested size and falls back to direct
// allocation for oversized requests.
type Pool struct {
	frame      sync.Pool
	sector     sync.Pool
	bulk       sync.Pool
	frameSize  int
	sectorSize int
	bulkSize   int
}

// Config holds configuration for creating a custom buffer pool.
type Config struct {
	FrameSize  int
	SectorSize int
	BulkSize   int
}

// NewPool creates a new buffer pool with the given configuration.
// If cfg is nil, default size classes are used.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = &Config{}
	}

	p := &Pool{
		frameSize:  cfg.FrameSize,
		sectorSize: cfg.SectorSize,
		bulkSize:   cfg.BulkSize,
	}
	if p.frameSize <= 0 {
		p.frameSize = DefaultFrameSize
	}
	if p.sectorSize <= 0 {
		p.sectorSize = DefaultSectorSize
	}
	if p.bulkSize <= 0 {
		p.bulkSize = DefaultBulkSize
	}

	p.frame = sync.Pool{
		New: func() any {
			buf := make([]byte, p.frameSize)
			return &buf
		},
	}
	p.sector = sync.Pool{
		New: func() any {
			buf := make([]byte, p.sectorSize)
			return &buf
		},
	}
	p.bulk = sync.Pool{
		New: func() any {
			buf := make([]byte, p.bulkSize)
			return &buf
		},
	}

	return p
}

// Get returns a byte slice of exactly the requested length, backed by a
// pooled buffer whose capacity may exceed it. The caller must Put the
// buffer back when finished.
//
// Sizes above the bulk tier are allocated directly and never pooled.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= p.frameSize:
		bufPtr = p.frame.Get().(*[]byte)
	case size <= p.sectorSize:
		bufPtr = p.sector.Get().(*[]byte)
	case size <= p.bulkSize:
		bufPtr = p.bulk.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	buf := *bufPtr
	return buf[:size]
}

// Put returns a buffer to the pool for reuse. The buffer must have come
// from Get and must not be used afterward. Buffers that match no size class
// are left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case p.frameSize:
		fullBuf := buf[:cap(buf)]
		p.frame.Put(&fullBuf)
	case p.sectorSize:
		fullBuf := buf[:cap(buf)]
		p.sector.Put(&fullBuf)
	case p.bulkSize:
		fullBuf := buf[:cap(buf)]
		p.bulk.Put(&fullBuf)
	}
}

// globalPool is the package-level pool with default size classes.
var globalPool = NewPool(nil)

// Get returns a byte slice of the requested length from the global pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the global pool. Always pair with Get.
func Put(buf []byte) {
	globalPool.Put(buf)
}
