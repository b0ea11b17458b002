package pdu

import "sync"

// shardCount controls how many independent free-lists BufferPool keeps.
// Get and Put pick a shard round-robin under one mutex that is held only
// for the counter update; the buffers come from the per-shard sync.Pools.
const shardCount = 8

// BufferPool is a process-wide, sharded pool of byte slices used to back
// PDU/PDV reads so the hot path does not allocate one buffer per PDU.
// A Get'd buffer must be returned via Put once its PDV/PDU has been fully
// consumed by the DIMSE layer; callers that retain data across fragments
// must copy out of the pooled buffer first.
type BufferPool struct {
	shards [shardCount]sync.Pool
	next   uint32
	mu     sync.Mutex
}

// DefaultBufferPool is the process-wide singleton pool used by Layer
// unless a caller supplies its own via NewLayerWithPool.
var DefaultBufferPool = NewBufferPool()

// NewBufferPool constructs an empty BufferPool. Most callers should use
// DefaultBufferPool; NewBufferPool exists for tests and for isolating
// pool pressure between independently-configured servers.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i := range p.shards {
		p.shards[i].New = func() any {
			buf := make([]byte, 0, 64*1024)
			return &buf
		}
	}
	return p
}

// Get returns a buffer with at least the requested capacity, resized to
// length n. The returned slice must be released with Put.
func (p *BufferPool) Get(n int) []byte {
	p.mu.Lock()
	shard := p.next % shardCount
	p.next++
	p.mu.Unlock()

	bufPtr := p.shards[shard].Get().(*[]byte)
	buf := *bufPtr
	if cap(buf) < n {
		buf = make([]byte, n)
	} else {
		buf = buf[:n]
	}
	return buf
}

// Put returns a buffer to the pool for reuse. Callers must not retain
// references to buf after calling Put.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	p.mu.Lock()
	shard := p.next % shardCount
	p.next++
	p.mu.Unlock()

	reset := buf[:0]
	p.shards[shard].Put(&reset)
}
