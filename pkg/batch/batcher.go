package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("batcher stopped")

// Processor processes one flushed batch for a key.
type Processor[K comparable, T any] interface {
	ProcessBatch(ctx context.Context, key K, items []T) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[K comparable, T any] func(ctx context.Context, key K, items []T) error

func (f ProcessorFunc[K, T]) ProcessBatch(ctx context.Context, key K, items []T) error {
	return f(ctx, key, items)
}

// Batcher keeps one pending batch per key. Every Add restarts that key's
// debounce timer; the batch is handed to the processor when the timer fires
// or when it reaches maxSize. Items keep their insertion order.
type Batcher[K comparable, T any] struct {
	delay     time.Duration
	maxSize   int
	processor Processor[K, T]
	onError   func(key K, err error)

	mu      sync.Mutex
	pending map[K]*pendingBatch[T]
	stopped bool
}

type pendingBatch[T any] struct {
	items []T
	timer *time.Timer
	gen   uint64
}

// NewBatcher creates a debounce batcher. maxSize <= 0 disables the size trigger.
func NewBatcher[K comparable, T any](delay time.Duration, maxSize int, processor Processor[K, T]) *Batcher[K, T] {
	return &Batcher[K, T]{
		delay:     delay,
		maxSize:   maxSize,
		processor: processor,
		pending:   make(map[K]*pendingBatch[T]),
	}
}

// OnError registers a callback for processor failures on timer flushes.
func (b *Batcher[K, T]) OnError(fn func(key K, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Add appends item to key's batch and restarts its debounce timer.
func (b *Batcher[K, T]) Add(key K, item T) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}

	pb, ok := b.pending[key]
	if !ok {
		pb = &pendingBatch[T]{}
		b.pending[key] = pb
	}
	pb.items = append(pb.items, item)
	if pb.timer != nil {
		pb.timer.Stop()
	}
	pb.gen++

	if b.maxSize > 0 && len(pb.items) >= b.maxSize {
		items := pb.items
		delete(b.pending, key)
		b.mu.Unlock()
		return b.processor.ProcessBatch(context.Background(), key, items)
	}

	gen := pb.gen
	pb.timer = time.AfterFunc(b.delay, func() { b.fire(key, gen) })
	b.mu.Unlock()
	return nil
}

func (b *Batcher[K, T]) fire(key K, gen uint64) {
	b.mu.Lock()
	pb, ok := b.pending[key]
	if !ok || pb.gen != gen || b.stopped {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	onError := b.onError
	b.mu.Unlock()

	if err := b.processor.ProcessBatch(context.Background(), key, pb.items); err != nil && onError != nil {
		onError(key, err)
	}
}

// Flush processes key's pending batch immediately.
func (b *Batcher[K, T]) Flush(ctx context.Context, key K) error {
	b.mu.Lock()
	pb, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if pb.timer != nil {
		pb.timer.Stop()
	}
	delete(b.pending, key)
	b.mu.Unlock()

	return b.processor.ProcessBatch(ctx, key, pb.items)
}

// Discard drops key's pending batch without processing it.
func (b *Batcher[K, T]) Discard(key K) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pb, ok := b.pending[key]; ok {
		if pb.timer != nil {
			pb.timer.Stop()
		}
		delete(b.pending, key)
	}
}

// Stop cancels every pending timer and discards what was not flushed yet.
// Further Adds fail with ErrStopped.
func (b *Batcher[K, T]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for key, pb := range b.pending {
		if pb.timer != nil {
			pb.timer.Stop()
		}
		delete(b.pending, key)
	}
}

// PendingCount returns the number of items waiting for key.
func (b *Batcher[K, T]) PendingCount(key K) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pb, ok := b.pending[key]; ok {
		return len(pb.items)
	}
	return 0
}
