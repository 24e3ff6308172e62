package buffer

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// Pool
// ============================================================================

// Pool is an arena of fixed-capacity segments. Free segments are tracked
// in a channel so blocking requests can be cancelled with a context.
type Pool struct {
	segmentSize int
	segments    [][]byte

	mu          sync.Mutex
	generations []uint64
	closed      bool

	free     chan int
	closedCh chan struct{}
}

// NewPool allocates numSegments segments of segmentSize bytes each.
func NewPool(numSegments, segmentSize int) *Pool {
	if numSegments <= 0 || segmentSize <= 0 {
		panic("buffer: pool dimensions must be positive")
	}
	p := &Pool{
		segmentSize: segmentSize,
		segments:    make([][]byte, numSegments),
		generations: make([]uint64, numSegments),
		free:        make(chan int, numSegments),
		closedCh:    make(chan struct{}),
	}
	for i := range p.segments {
		p.segments[i] = make([]byte, segmentSize)
		p.free <- i
	}
	return p
}

// SegmentSize returns the capacity of each segment.
func (p *Pool) SegmentSize() int {
	return p.segmentSize
}

// Available returns the number of free segments.
func (p *Pool) Available() int {
	return len(p.free)
}

// RequestBuffer hands out a free segment, or ErrOutOfBuffers when the
// pool is exhausted. The returned handle starts with a reference count
// of one.
func (p *Pool) RequestBuffer() (*Buffer, error) {
	select {
	case <-p.closedCh:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case idx := <-p.free:
		return p.wrap(idx), nil
	default:
		return nil, ErrOutOfBuffers
	}
}

// RequestBufferBlocking waits for a free segment, honoring ctx
// cancellation. This is the backpressure point for writers.
func (p *Pool) RequestBufferBlocking(ctx context.Context) (*Buffer, error) {
	select {
	case <-p.closedCh:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case <-p.closedCh:
		return nil, ErrPoolClosed
	case idx := <-p.free:
		return p.wrap(idx), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("buffer: request cancelled: %w", ctx.Err())
	}
}

// RequestBufferBuilderBlocking waits for a free segment and wraps it in
// a Builder for the record serialization path.
func (p *Pool) RequestBufferBuilderBlocking(ctx context.Context) (*Builder, error) {
	b, err := p.RequestBufferBlocking(ctx)
	if err != nil {
		return nil, err
	}
	return &Builder{buf: b}, nil
}

// Close shuts down the pool. Outstanding handles stay valid; blocked and
// future requests fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.closedCh)
}

func (p *Pool) wrap(idx int) *Buffer {
	p.mu.Lock()
	gen := p.generations[idx]
	p.mu.Unlock()

	b := &Buffer{
		pool:       p,
		index:      idx,
		generation: gen,
		data:       p.segments[idx],
	}
	b.refs.Store(1)
	return b
}

// release returns a segment to the pool. The generation check catches a
// handle from a previous lease recycling a reissued segment.
func (p *Pool) release(idx int, generation uint64) {
	p.mu.Lock()
	if p.generations[idx] != generation {
		p.mu.Unlock()
		panic(fmt.Sprintf("buffer: recycle with stale generation %d (segment %d at generation %d)",
			generation, idx, p.generations[idx]))
	}
	p.generations[idx]++
	closed := p.closed
	p.mu.Unlock()

	if !closed {
		p.free <- idx
	}
}
