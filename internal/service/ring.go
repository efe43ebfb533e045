package service

import "sync"

// DefaultRingSize bounds the in-memory output capture per service.
const DefaultRingSize = 64 * 1024

// Ring is a bounded, concurrency-safe buffer holding the most recent child
// output. Writers never block; when the buffer is full the oldest bytes are
// overwritten. Subscribers receive copies of every chunk written after they
// subscribe, best-effort: a slow subscriber drops chunks instead of stalling
// the child's output pipeline.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	off  int
	full bool
	subs map[chan []byte]struct{}
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{
		buf:  make([]byte, size),
		subs: make(map[chan []byte]struct{}),
	}
}

// Write implements io.Writer.
func (r *Ring) Write(p []byte) (int, error) {
	n := len(p)
	r.mu.Lock()
	src := p
	if len(src) > len(r.buf) {
		src = src[len(src)-len(r.buf):]
	}
	for len(src) > 0 {
		c := copy(r.buf[r.off:], src)
		r.off += c
		if r.off == len(r.buf) {
			r.off = 0
			r.full = true
		}
		src = src[c:]
	}
	if len(r.subs) > 0 {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		for ch := range r.subs {
			select {
			case ch <- chunk:
			default:
				// subscriber is behind; drop
			}
		}
	}
	r.mu.Unlock()
	return n, nil
}

// Tail returns a copy of the buffered output in write order.
func (r *Ring) Tail() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]byte, r.off)
		copy(out, r.buf[:r.off])
		return out
	}
	out := make([]byte, len(r.buf))
	n := copy(out, r.buf[r.off:])
	copy(out[n:], r.buf[:r.off])
	return out
}

// Subscribe registers a listener for subsequent writes. The returned cancel
// function must be called to release the subscription.
func (r *Ring) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}
