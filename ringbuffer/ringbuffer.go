// Package ringbuffer implements a single-producer/single-consumer byte FIFO
// with wrap-around over a caller-owned backing array.
//
// # Thread-Safety Guarantees
//
// Exactly one goroutine may call Write (the producer) and exactly one
// goroutine may call Read/Peek (the consumer); they may run on different
// OS threads or different cores. The read and write indices are fields of
// the RingBuffer value itself, not part of the backing array, so placing
// only the backing array in a shared-memory region does not make one
// RingBuffer usable from two processes. Violating this (more than one producer, or more than one consumer)
// causes data races.
//
// The write index is published with a release store and observed by the
// reader with an acquire load, and symmetrically for the read index; the
// payload bytes themselves are always written before the index that makes
// them visible is published. No lock is ever taken on the read/write path.
package ringbuffer

import "sync/atomic"

// RingBuffer is a byte FIFO over a fixed backing array. One slot of the
// backing array is always kept empty so that readIndex == writeIndex can
// mean "empty" without an extra boolean: usable capacity is len(backing)-1
// bytes.
type RingBuffer struct {
	readIndex  atomic.Uint32
	writeIndex atomic.Uint32
	backing    []byte
}

// New creates a ring buffer over backing. Capacity is len(backing); the
// caller must pass an array of at least 2 bytes, since one byte is
// reserved to disambiguate full from empty.
func New(backing []byte) *RingBuffer {
	if len(backing) < 2 {
		panic("ringbuffer: backing array must have capacity >= 2")
	}
	return &RingBuffer{backing: backing}
}

// IsCreated reports whether the ring buffer has a backing array. A zero
// RingBuffer (or one that has been Clear'd) reports false.
func (rb *RingBuffer) IsCreated() bool {
	return rb.backing != nil
}

// Clear invalidates the ring buffer: the backing array is released and
// both indices reset to zero. A cleared ring buffer is not usable again
// without constructing a fresh one via New.
func (rb *RingBuffer) Clear() {
	rb.backing = nil
	rb.readIndex.Store(0)
	rb.writeIndex.Store(0)
}

func (rb *RingBuffer) capacity() uint32 {
	return uint32(len(rb.backing))
}

// AvailableRead returns the number of bytes currently readable.
func (rb *RingBuffer) AvailableRead() uint32 {
	write := rb.writeIndex.Load()
	read := rb.readIndex.Load()
	c := rb.capacity()
	ret := write + c - read
	if ret >= c {
		ret -= c
	}
	return ret
}

// AvailableWrite returns the number of bytes that can be written without
// overwriting unread data. AvailableWrite()+AvailableRead() == capacity-1
// always holds.
func (rb *RingBuffer) AvailableWrite() uint32 {
	return rb.capacity() - 1 - rb.AvailableRead()
}

// Write copies len(src) bytes into the buffer, wrapping at the end of the
// backing array if necessary. It fails (returning false) without mutating
// any state if there is not enough free space for all of src.
func (rb *RingBuffer) Write(src []byte) bool {
	n := uint32(len(src))
	if rb.AvailableWrite() < n {
		return false
	}
	at := rb.writeIndex.Load()
	c := rb.capacity()
	newAt := at + n
	if newAt > c {
		firstSize := c - at
		copy(rb.backing[at:], src[:firstSize])
		copy(rb.backing[0:], src[firstSize:])
		at = n - firstSize
	} else {
		copy(rb.backing[at:at+n], src)
		at += n
		if at == c {
			at = 0
		}
	}
	rb.writeIndex.Store(at)
	return true
}

// Read copies n bytes out of the buffer into dst and advances the read
// index. dst may be nil, in which case the n bytes are skipped (the read
// index still advances) without being copied anywhere. Read fails
// (returning false) without mutating state if fewer than n bytes are
// available.
func (rb *RingBuffer) Read(n uint32, dst []byte) bool {
	if rb.AvailableRead() < n {
		return false
	}
	at := rb.readIndex.Load()
	c := rb.capacity()
	newAt := at + n
	if newAt > c {
		firstSize := c - at
		secondSize := n - firstSize
		if dst != nil {
			copy(dst[:firstSize], rb.backing[at:])
			copy(dst[firstSize:], rb.backing[0:secondSize])
		}
		at = secondSize
	} else {
		if dst != nil {
			copy(dst, rb.backing[at:at+n])
		}
		at += n
		if at == c {
			at = 0
		}
	}
	rb.readIndex.Store(at)
	return true
}

// Peek copies n bytes out of the buffer into dst without advancing the
// read index. Unlike Read, dst must be non-nil. Peek fails (returning
// false) if fewer than n bytes are available.
func (rb *RingBuffer) Peek(n uint32, dst []byte) bool {
	if rb.AvailableRead() < n {
		return false
	}
	at := rb.readIndex.Load()
	c := rb.capacity()
	newAt := at + n
	if newAt > c {
		firstSize := c - at
		secondSize := n - firstSize
		copy(dst[:firstSize], rb.backing[at:])
		copy(dst[firstSize:], rb.backing[0:secondSize])
	} else {
		copy(dst, rb.backing[at:at+n])
	}
	return true
}
