// Package bufpool is the single process-wide allocator for raw frame
// bytes and decoded-image handles (spec §4.1). It is the sole source
// of memory accounting for the capture/inference pipeline: every
// Frame's byte buffer is rented from here and must be returned
// exactly once.
package bufpool

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/QusaiiSaleem/visionops/internal/errs"
)

// HardCapBytes is the total pooled-bytes ceiling (spec §4.1).
const HardCapBytes = 512 * 1024 * 1024

// DefaultLeakThreshold is the default number of un-returned buffers
// (T in spec §4.1) tolerated before a leak is suspected, once
// sustained for LeakSustainWindow.
const DefaultLeakThreshold = 10

// LeakSustainWindow is how long the leak count must stay above
// threshold before LeakSuspected fires.
const LeakSustainWindow = time.Hour

// Buffer is a rented byte slice. Callers must call Pool.Return
// exactly once when done; Data is invalidated after that.
type Buffer struct {
	Data []byte
	pool *Pool
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	Allocated    int64 // total successful rent() calls
	Returned     int64 // total return() calls
	InUse        int64 // Allocated - Returned
	PeakInUse    int64
	Leaked       int64 // same as InUse; named per spec's "leaked = allocated - returned"
	InUseBytes   int64
	HandlesInUse int
}

// Pool is the process-wide buffer allocator.
type Pool struct {
	mu sync.Mutex

	frameSize int // width*height*3, the normalised frame buffer size

	freeFrames [][]byte // reusable frame-sized buffers
	freeLarge  [][]byte // reusable larger buffers for encoded payloads

	allocated  int64
	returned   int64
	peakInUse  int64
	inUseBytes int64

	leakThreshold    int
	leakSince        time.Time
	leakReported     bool
	onLeakSuspected  func(count int, since time.Time)

	handles *lru.Cache[string, any] // bounded reusable decoded-image handles
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithLeakThreshold overrides DefaultLeakThreshold.
func WithLeakThreshold(n int) Option {
	return func(p *Pool) { p.leakThreshold = n }
}

// WithLeakCallback registers a callback invoked (at most once per
// sustained-leak episode) when leaked count exceeds the threshold for
// longer than LeakSustainWindow. The Governor subscribes to this.
func WithLeakCallback(fn func(count int, since time.Time)) Option {
	return func(p *Pool) { p.onLeakSuspected = fn }
}

// New creates a Pool sized for frameSize-byte normalised frames, with
// a bounded pool of handleCap reusable decoded-image handles.
func New(frameSize int, handleCap int, opts ...Option) (*Pool, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("%w: frameSize must be positive", errs.Configuration)
	}
	if handleCap <= 0 {
		handleCap = 1
	}
	handles, err := lru.New[string, any](handleCap)
	if err != nil {
		return nil, fmt.Errorf("%w: handle pool: %v", errs.Configuration, err)
	}
	p := &Pool{
		frameSize:     frameSize,
		leakThreshold: DefaultLeakThreshold,
		handles:       handles,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Rent returns a buffer of at least size bytes. Frame-sized requests
// are served from the frame free list; larger requests (encoded
// payloads) from the large free list. Fails with an Exhaustion error
// if honoring the request would exceed HardCapBytes.
func (p *Pool) Rent(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: rent size must be positive", errs.Configuration)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUseBytes+int64(size) > HardCapBytes {
		return nil, fmt.Errorf("%w: buffer pool would exceed %d byte cap", errs.Exhaustion, HardCapBytes)
	}

	var buf []byte
	if size <= p.frameSize && len(p.freeFrames) > 0 {
		buf = p.freeFrames[len(p.freeFrames)-1]
		p.freeFrames = p.freeFrames[:len(p.freeFrames)-1]
	} else if size > p.frameSize {
		for i := len(p.freeLarge) - 1; i >= 0; i-- {
			if cap(p.freeLarge[i]) >= size {
				buf = p.freeLarge[i][:size]
				p.freeLarge = append(p.freeLarge[:i], p.freeLarge[i+1:]...)
				break
			}
		}
	}
	if buf == nil {
		if size <= p.frameSize {
			buf = make([]byte, p.frameSize)[:size]
		} else {
			buf = make([]byte, size)
		}
	}

	p.allocated++
	p.inUseBytes += int64(size)
	if inUse := p.allocated - p.returned; inUse > p.peakInUse {
		p.peakInUse = inUse
	}
	p.checkLeakLocked()

	return &Buffer{Data: buf, pool: p}, nil
}

// Return releases a buffer back to the pool. If clear is true the
// bytes are zeroed before the slice is recycled (useful when the
// buffer may have held sensitive pixel data destined to be reused
// across cameras).
func (p *Pool) Return(b *Buffer, clear bool) {
	if b == nil || b.pool != p {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := len(b.Data)
	if clear {
		for i := range b.Data {
			b.Data[i] = 0
		}
	}

	if cap(b.Data) == p.frameSize || size <= p.frameSize {
		full := b.Data[:cap(b.Data)]
		p.freeFrames = append(p.freeFrames, full)
	} else {
		p.freeLarge = append(p.freeLarge, b.Data)
	}

	p.returned++
	p.inUseBytes -= int64(size)
	if p.inUseBytes < 0 {
		p.inUseBytes = 0
	}
	b.Data = nil
	b.pool = nil
}

// ReturnBytes releases a raw byte slice previously handed out as
// Buffer.Data back to the free lists, for call sites that only carry
// the slice itself (e.g. a domain.Frame surviving past the Buffer
// handle that rented it, as happens when the ring buffer evicts a
// frame). Unlike Return it cannot verify the slice came from this
// pool, so callers must only pass bytes actually rented from it.
func (p *Pool) ReturnBytes(data []byte, clear bool) {
	if data == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := len(data)
	if clear {
		for i := range data {
			data[i] = 0
		}
	}

	if cap(data) == p.frameSize || size <= p.frameSize {
		full := data[:cap(data)]
		p.freeFrames = append(p.freeFrames, full)
	} else {
		p.freeLarge = append(p.freeLarge, data)
	}

	p.returned++
	p.inUseBytes -= int64(size)
	if p.inUseBytes < 0 {
		p.inUseBytes = 0
	}
}

func (p *Pool) checkLeakLocked() {
	leaked := int(p.allocated - p.returned)
	if leaked <= p.leakThreshold {
		p.leakSince = time.Time{}
		p.leakReported = false
		return
	}
	if p.leakSince.IsZero() {
		p.leakSince = time.Now()
		return
	}
	if time.Since(p.leakSince) > LeakSustainWindow && p.onLeakSuspected != nil && !p.leakReported {
		p.leakReported = true
		p.onLeakSuspected(leaked, p.leakSince)
	}
}

// Stats returns a snapshot of pool accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := p.allocated - p.returned
	return Stats{
		Allocated:    p.allocated,
		Returned:     p.returned,
		InUse:        inUse,
		PeakInUse:    p.peakInUse,
		Leaked:       inUse,
		InUseBytes:   p.inUseBytes,
		HandlesInUse: p.handles.Len(),
	}
}

// RentHandle stores a reusable decoded-image handle under key,
// evicting the least-recently-used handle if the bounded pool is full.
func (p *Pool) RentHandle(key string, handle any) {
	p.handles.Add(key, handle)
}

// GetHandle retrieves a previously stored decoded-image handle.
func (p *Pool) GetHandle(key string) (any, bool) {
	return p.handles.Get(key)
}

// ForceCompact clears all reusable free lists and handles, runs a GC
// cycle, and returns the number of bytes freed from the free lists.
// It does not affect currently-rented (in-use) buffers.
func (p *Pool) ForceCompact() int64 {
	p.mu.Lock()
	var freed int64
	for _, b := range p.freeFrames {
		freed += int64(cap(b))
	}
	for _, b := range p.freeLarge {
		freed += int64(cap(b))
	}
	p.freeFrames = nil
	p.freeLarge = nil
	p.handles.Purge()
	p.mu.Unlock()

	runtime.GC()
	return freed
}
