// Package dma provides the address translation used to tag remote-memory
// descriptors. The wire protocol describes data buffers by bus address,
// handle and length; a Registry hands out stable fake bus addresses for
// registered buffers and resolves descriptors back to them. On real
// firmware this seam is the physical-address translation of the platform.
package dma

import (
	"errors"
	"fmt"
)

// ErrBadAddress indicates a descriptor that does not match any registered
// buffer.
var ErrBadAddress = errors.New("dma: address not registered")

// Mapper registers data buffers for remote access. The SRP session uses it
// to build memory descriptors for command data-in/data-out buffers.
type Mapper interface {
	// Map registers buf and returns its bus address. The address stays valid
	// until Unmap.
	Map(buf []byte) uint64

	// Unmap releases a previously mapped address.
	Unmap(addr uint64)
}

// Registry is an in-memory translation table implementing Mapper, with the
// reverse lookup a loopback target needs to emulate direct memory access.
// Addresses are allocated from a bump counter and never reused within one
// registry, so a stale descriptor can never alias a newer buffer.
type Registry struct {
	next    uint64
	regions map[uint64][]byte
}

// NewRegistry returns an empty registry. Addresses start above zero so that
// a zero descriptor is always invalid.
func NewRegistry() *Registry {
	return &Registry{
		next:    0x1000,
		regions: make(map[uint64][]byte),
	}
}

// Map registers buf and returns its bus address.
func (r *Registry) Map(buf []byte) uint64 {
	addr := r.next
	r.next += uint64(len(buf))
	if r.next&0xfff != 0 {
		r.next = (r.next | 0xfff) + 1
	}
	r.regions[addr] = buf
	return addr
}

// Unmap releases addr. Unknown addresses are ignored.
func (r *Registry) Unmap(addr uint64) {
	delete(r.regions, addr)
}

// At resolves a descriptor back to the registered buffer. The requested
// window must lie entirely within one registered region.
func (r *Registry) At(addr uint64, n uint32) ([]byte, error) {
	buf, ok := r.regions[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}
	if uint64(n) > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: %#x+%d exceeds region of %d bytes",
			ErrBadAddress, addr, n, len(buf))
	}
	return buf[:n], nil
}

// Size reports how many regions are currently registered.
func (r *Registry) Size() int { return len(r.regions) }
