package memory

import (
	"sync"

	"github.com/berrythewa/meshplay/internal/mesh"
)

type delivery func(cb mesh.Callbacks)

// inbox is an unbounded FIFO drained by one goroutine, so pushing never
// blocks the sender and callbacks of one node never run concurrently
type inbox struct {
	mu     sync.Mutex
	items  []delivery
	signal chan struct{}
	done   chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (b *inbox) push(d delivery) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.items = append(b.items, d)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) run(callbacks func() mesh.Callbacks) {
	for {
		select {
		case <-b.done:
			return
		case <-b.signal:
		}

		for {
			b.mu.Lock()
			if b.closed || len(b.items) == 0 {
				b.mu.Unlock()
				break
			}
			d := b.items[0]
			b.items[0] = nil
			b.items = b.items[1:]
			b.mu.Unlock()

			d(callbacks())
		}
	}
}

// close discards pending deliveries and stops the drain goroutine
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.items = nil
	close(b.done)
}
