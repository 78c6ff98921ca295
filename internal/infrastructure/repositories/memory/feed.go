package memory

import (
	"sync"

	"meshvoice/internal/core/domain"
)

// Feed is a ports.Subscription backed by an unbounded queue. Push never
// blocks, so publishers holding a store lock cannot stall on a slow reader.
type Feed struct {
	mu     sync.Mutex
	queue  []*domain.SignalMessage
	closed bool

	wake chan struct{}
	out  chan *domain.SignalMessage
	done chan struct{}

	closeOnce sync.Once
	onClose   func()
}

// NewFeed starts a feed. onClose runs once, after the feed stops accepting
// messages.
func NewFeed(onClose func()) *Feed {
	f := &Feed{
		wake:    make(chan struct{}, 1),
		out:     make(chan *domain.SignalMessage),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go f.pump()
	return f
}

func (f *Feed) Push(msg *domain.SignalMessage) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, msg)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Feed) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}
		msg := f.queue[0]
		f.queue[0] = nil
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- msg:
		case <-f.done:
			return
		}
	}
}

func (f *Feed) Messages() <-chan *domain.SignalMessage {
	return f.out
}

// Done is closed once the feed is closed.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.queue = nil
		f.mu.Unlock()
		close(f.done)
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}
