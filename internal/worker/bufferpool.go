package worker

// BufferPool is a fixed-count pool of large opaque scratch buffers a
// SubJob borrows on start and returns on finish (spec §4.3.2 "Render
// buffer pool"). Pool exhaustion degrades gracefully: Borrow returns
// (nil, false) and the caller proceeds without a preallocated buffer
// rather than blocking or failing the render.
type BufferPool struct {
	slots chan []byte
	size  int
}

// NewBufferPool allocates count buffers of bufSize bytes each. Standard
// machines use 512MB buffers with 8 slots; big machines (>=32GB RAM) use
// 2GB buffers with up to 16 slots (spec §4.3.2).
func NewBufferPool(bufSize, count int) *BufferPool {
	p := &BufferPool{slots: make(chan []byte, count), size: bufSize}
	for i := 0; i < count; i++ {
		p.slots <- make([]byte, bufSize)
	}
	return p
}

// BufferPoolSizing picks buffer size and count from total memory (spec
// §4.3.2: "512 MB standard, 2 GB on big machines; 8-16 buffers").
func BufferPoolSizing(memGB float64) (bufSizeBytes, count int) {
	if memGB >= 32 {
		return 2 * 1024 * 1024 * 1024, 16
	}
	return 512 * 1024 * 1024, 8
}

// Borrow takes a buffer from the pool without blocking. ok is false when
// the pool is exhausted.
func (p *BufferPool) Borrow() (buf []byte, ok bool) {
	select {
	case b := <-p.slots:
		return b, true
	default:
		return nil, false
	}
}

// Return gives a borrowed buffer back to the pool. A buffer obtained
// with ok=false from Borrow must never be passed here.
func (p *BufferPool) Return(buf []byte) {
	select {
	case p.slots <- buf:
	default:
		// Pool was resized smaller or buf didn't come from this pool;
		// drop it rather than block or panic.
	}
}

// Len reports how many buffers are currently available.
func (p *BufferPool) Len() int { return len(p.slots) }
