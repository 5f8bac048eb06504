// Package pool owns the lifetime of every in-flight order record.
//
// All Order storage lives in one fixed arena allocated at startup; stages
// borrow records with Acquire and return them with Release, so the order
// path never heap-allocates after boot. The free set is a lock-free index
// stack: a CAS counter over an array of free slot indices.
package pool

import (
	"sync/atomic"
	"unsafe"

	"exchange-core/pkg/types"
)

// Pool is a fixed-capacity arena of Order slots with a concurrent free list.
// Acquire and Release are O(1), safe from any goroutine, and never block;
// exhaustion surfaces as a failed Acquire, not a wait.
type Pool struct {
	slots []types.Order
	free  []uint32
	n     atomic.Int64 // count of available indices in free[0:n]
}

// New creates a pool of capacity Order slots.
func New(capacity int) *Pool {
	if capacity <= 0 {
		panic("pool: capacity must be positive")
	}
	p := &Pool{
		slots: make([]types.Order, capacity),
		free:  make([]uint32, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free[i] = uint32(capacity - 1 - i)
	}
	p.n.Store(int64(capacity))
	return p
}

// Acquire borrows a zeroed Order slot. Returns (nil, false) when the pool is
// exhausted. The caller owns the slot exclusively until it releases it or
// hands it off through a queue.
func (p *Pool) Acquire() (*types.Order, bool) {
	for {
		c := p.n.Load()
		if c <= 0 {
			return nil, false
		}
		if p.n.CompareAndSwap(c, c-1) {
			o := &p.slots[p.free[c-1]]
			*o = types.Order{}
			return o, true
		}
	}
}

// Release returns a slot to the free set. The caller must not read or write
// the record afterwards. Releasing a pointer that is not from this arena is
// ignored.
func (p *Pool) Release(o *types.Order) {
	if o == nil {
		return
	}
	base := uintptr(unsafe.Pointer(&p.slots[0]))
	off := uintptr(unsafe.Pointer(o)) - base
	size := unsafe.Sizeof(types.Order{})
	if off%size != 0 {
		return
	}
	idx := off / size
	if idx >= uintptr(len(p.slots)) {
		return
	}
	for {
		c := p.n.Load()
		if c >= int64(len(p.free)) {
			return // free set already full; double release
		}
		p.free[c] = uint32(idx)
		if p.n.CompareAndSwap(c, c+1) {
			return
		}
	}
}

// Available returns the current number of free slots.
func (p *Pool) Available() int {
	n := p.n.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Capacity returns the arena size.
func (p *Pool) Capacity() int {
	return len(p.slots)
}
