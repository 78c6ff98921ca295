package memory

import (
	"context"
	"sync"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
)

type sessionLog struct {
	messages []*domain.SignalMessage
	feeds    map[*Feed]struct{}
}

// SignalingStore keeps each session's messages in publish order and fans new
// ones out to live subscribers. Messages older than the TTL are pruned lazily.
type SignalingStore struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*sessionLog
	ttl      time.Duration
	now      func() time.Time
	closed   bool
}

func NewSignalingStore(ttl time.Duration) *SignalingStore {
	return &SignalingStore{
		sessions: make(map[domain.SessionID]*sessionLog),
		ttl:      ttl,
		now:      time.Now,
	}
}

var _ ports.SignalingStore = (*SignalingStore)(nil)

func (s *SignalingStore) logLocked(id domain.SessionID) *sessionLog {
	l, ok := s.sessions[id]
	if !ok {
		l = &sessionLog{feeds: make(map[*Feed]struct{})}
		s.sessions[id] = l
	}
	return l
}

func (s *SignalingStore) pruneLocked(l *sessionLog) {
	if s.ttl <= 0 {
		return
	}
	now := s.now()
	kept := l.messages[:0]
	for _, m := range l.messages {
		if m.Age(now) <= s.ttl {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(l.messages); i++ {
		l.messages[i] = nil
	}
	l.messages = kept
}

func (s *SignalingStore) Publish(ctx context.Context, msg *domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStoreClosed
	}

	stored := *msg
	l := s.logLocked(msg.SessionID)
	s.pruneLocked(l)
	l.messages = append(l.messages, &stored)
	for f := range l.feeds {
		cp := stored
		f.Push(&cp)
	}
	return nil
}

// Subscribe replays the session backlog, then streams new messages until the
// subscription is closed or ctx ends.
func (s *SignalingStore) Subscribe(ctx context.Context, sessionID domain.SessionID) (ports.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	var feed *Feed
	feed = NewFeed(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if l, ok := s.sessions[sessionID]; ok {
			delete(l.feeds, feed)
		}
	})

	l := s.logLocked(sessionID)
	s.pruneLocked(l)
	for _, m := range l.messages {
		cp := *m
		feed.Push(&cp)
	}
	l.feeds[feed] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			feed.Close()
		case <-feed.Done():
		}
	}()
	return feed, nil
}

func (s *SignalingStore) Delete(ctx context.Context, sessionID domain.SessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	for i, m := range l.messages {
		if m.ID == messageID {
			l.messages = append(l.messages[:i], l.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *SignalingStore) Purge(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	kept := l.messages[:0]
	removed := 0
	for _, m := range l.messages {
		if m.Involves(participantID) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(l.messages); i++ {
		l.messages[i] = nil
	}
	l.messages = kept
	return removed, nil
}

// Len reports how many messages the session currently holds.
func (s *SignalingStore) Len(sessionID domain.SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.sessions[sessionID]; ok {
		s.pruneLocked(l)
		return len(l.messages)
	}
	return 0
}

func (s *SignalingStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var feeds []*Feed
	for _, l := range s.sessions {
		for f := range l.feeds {
			feeds = append(feeds, f)
		}
	}
	s.mu.Unlock()

	// Feed.Close re-enters the store lock through onClose.
	for _, f := range feeds {
		f.Close()
	}
	return nil
}
