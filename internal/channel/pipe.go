package channel

import "sync"

// PipeEnd is one end of an in-process transport pair. Delivery is synchronous: Post
// returns after the counterpart's handler has run.
type PipeEnd struct {
	mu        sync.Mutex
	peer      *PipeEnd
	onMessage func([]byte)
	closed    bool
}

// Pipe returns two connected transports.
func Pipe() (*PipeEnd, *PipeEnd) {
	a, b := &PipeEnd{}, &PipeEnd{}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeEnd) Post(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	fn := peer.onMessage
	gone := peer.closed
	peer.mu.Unlock()
	if gone || fn == nil {
		return ErrNoPeer
	}

	frame := make([]byte, len(data))
	copy(frame, data)
	fn(frame)
	return nil
}

func (p *PipeEnd) OnMessage(fn func([]byte)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

func (p *PipeEnd) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
