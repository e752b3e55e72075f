// Package buffer provides size-classed pooling of byte buffers used by
// the chunked encrypt/decrypt engines, so a multi-gigabyte stream does
// not allocate a fresh slice per chunk. Buffers are zeroized before
// being returned to the pool so stale plaintext never leaks into an
// unrelated chunk.
//
// Adapted from the fixed 4/12/32/64K pools of a prior S3 gateway's
// buffer_pool.go: generalized to arbitrary size classes because tbenc's
// chunk_bytes is a runtime parameter (1KB-64MB), not a compile-time constant.
package buffer

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// HitMissRecorder receives per-size-class pool hit/miss counts; satisfied
// by *internal/metrics.Metrics. Optional — a nil recorder disables
// external reporting without disabling the pool's own Stats() counters.
type HitMissRecorder interface {
	RecordBufferPoolHit(sizeClass string)
	RecordBufferPoolMiss(sizeClass string)
}

// Pool hands out byte slices of a given capacity and recycles them.
// A Pool is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool

	hits, misses int64

	recorder HitMissRecorder
}

// NewPool creates an empty buffer pool. Size classes are created lazily
// on first Get/Put for that size.
func NewPool() *Pool {
	return &Pool{pools: make(map[int]*sync.Pool)}
}

// NewPoolWithRecorder creates an empty buffer pool whose Get calls are
// additionally reported to recorder (e.g. the process's Prometheus
// metrics), alongside the pool's own Stats() counters.
func NewPoolWithRecorder(recorder HitMissRecorder) *Pool {
	return &Pool{pools: make(map[int]*sync.Pool), recorder: recorder}
}

func (p *Pool) poolFor(size int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.pools[size]
	if !ok {
		sp = &sync.Pool{}
		p.pools[size] = sp
	}
	return sp
}

// Get returns a zeroed buffer of exactly the requested size.
func (p *Pool) Get(size int) []byte {
	sp := p.poolFor(size)
	v := sp.Get()
	if buf, ok := v.([]byte); ok && cap(buf) >= size {
		atomic.AddInt64(&p.hits, 1)
		if p.recorder != nil {
			p.recorder.RecordBufferPoolHit(strconv.Itoa(size))
		}
		return buf[:size]
	}
	atomic.AddInt64(&p.misses, 1)
	if p.recorder != nil {
		p.recorder.RecordBufferPoolMiss(strconv.Itoa(size))
	}
	return make([]byte, size)
}

// Put zeroizes buf and returns it to the pool matching its capacity.
// Buffers whose capacity does not match a known size class are dropped
// for the GC to collect.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	c := cap(buf)
	for i := range buf {
		buf[i] = 0
	}

	p.mu.Lock()
	sp, ok := p.pools[c]
	p.mu.Unlock()
	if !ok {
		return
	}
	sp.Put(buf[:c])
}

// Metrics reports pool hit/miss counters for diagnostics.
type Metrics struct {
	Hits, Misses int64
}

// Stats returns the current hit/miss counters.
func (p *Pool) Stats() Metrics {
	return Metrics{
		Hits:   atomic.LoadInt64(&p.hits),
		Misses: atomic.LoadInt64(&p.misses),
	}
}

// HitRate returns Hits / (Hits + Misses), or 0 when nothing has been requested yet.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}
