package rotator

import (
	"net/http/httputil"
	"sync"
)

var copyBuffers = newBufferPool(32 << 10)

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

var _ httputil.BufferPool = (*bufferPool)(nil)

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	// &b costs one small allocation; a slice cannot go into an interface
	// without it.
	p.pool.Put(&b)
}
