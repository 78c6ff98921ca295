package testutils

import (
	"context"
	"sync"
	"time"

	"meshvoice/internal/core/domain"

	"github.com/google/uuid"
)

// FakeRelay is a ports.Relay shared by several sessions in one process.
// Each subscriber receives matching messages in publish order on its own
// goroutine.
type FakeRelay struct {
	SendErr error
	// Stall, when set, holds every Send until it is closed or the caller's
	// context ends, like a publish stuck in retries.
	Stall chan struct{}

	mu     sync.Mutex
	subs   map[domain.ParticipantID]*fakeSubscriber
	sent   []*domain.SignalMessage
	purged []domain.ParticipantID
}

type fakeSubscriber struct {
	sessionID domain.SessionID
	id        domain.ParticipantID
	ch        chan *domain.SignalMessage
	done      chan struct{}
	once      sync.Once
}

func NewFakeRelay() *FakeRelay {
	return &FakeRelay{subs: make(map[domain.ParticipantID]*fakeSubscriber)}
}

func (r *FakeRelay) Send(ctx context.Context, msg *domain.SignalMessage) error {
	if r.Stall != nil {
		select {
		case <-r.Stall:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.SendErr != nil {
		return r.SendErr
	}
	stamped := *msg
	stamped.ID = uuid.NewString()
	stamped.CreatedAt = time.Now()

	r.mu.Lock()
	r.sent = append(r.sent, &stamped)
	var targets []*fakeSubscriber
	for _, sub := range r.subs {
		if sub.sessionID == stamped.SessionID && sub.id != stamped.FromID && stamped.AddressedTo(sub.id) {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- &stamped:
		case <-sub.done:
		}
	}
	return nil
}

func (r *FakeRelay) Subscribe(ctx context.Context, sessionID domain.SessionID, localID domain.ParticipantID, handler func(*domain.SignalMessage)) (func(), error) {
	sub := &fakeSubscriber{
		sessionID: sessionID,
		id:        localID,
		ch:        make(chan *domain.SignalMessage, 1024),
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.subs[localID] = sub
	r.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-sub.ch:
				handler(msg)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		sub.once.Do(func() { close(sub.done) })
		r.mu.Lock()
		if r.subs[localID] == sub {
			delete(r.subs, localID)
		}
		r.mu.Unlock()
	}, nil
}

func (r *FakeRelay) Purge(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = append(r.purged, participantID)
	return nil
}

// Sent returns every message published so far, optionally filtered by type.
func (r *FakeRelay) Sent(types ...domain.MessageType) []*domain.SignalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		return append([]*domain.SignalMessage(nil), r.sent...)
	}
	var out []*domain.SignalMessage
	for _, m := range r.sent {
		for _, t := range types {
			if m.Type == t {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func (r *FakeRelay) Purged() []domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ParticipantID(nil), r.purged...)
}

// Inject delivers msg to the subscriber registered for to as if another
// participant had sent it.
func (r *FakeRelay) Inject(to domain.ParticipantID, msg *domain.SignalMessage) {
	r.mu.Lock()
	sub := r.subs[to]
	r.mu.Unlock()
	if sub == nil {
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	select {
	case sub.ch <- msg:
	case <-sub.done:
	}
}

func (r *FakeRelay) Subscribed(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	return ok
}
