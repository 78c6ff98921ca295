package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	"meshvoice/internal/infrastructure/repositories/memory"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const signalKeyPrefix = "meshvoice:signal:"

// SignalingStore keeps each session as a hash of message id -> JSON, refreshes
// the hash expiry on every publish and announces new messages on a pub/sub
// channel.
type SignalingStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

var _ ports.SignalingStore = (*SignalingStore)(nil)

func NewSignalingStore(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *SignalingStore {
	return &SignalingStore{
		client: client,
		ttl:    ttl,
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (s *SignalingStore) sessionKey(id domain.SessionID) string {
	return signalKeyPrefix + string(id)
}

func (s *SignalingStore) channel(id domain.SessionID) string {
	return signalKeyPrefix + string(id) + ":events"
}

func (s *SignalingStore) Publish(ctx context.Context, msg *domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := s.sessionKey(msg.SessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, msg.ID, data)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		pipe.Publish(ctx, s.channel(msg.SessionID), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish message to Redis: %w", err)
	}
	return nil
}

// Subscribe listens on the session channel first and then replays the hash,
// so nothing published in between is lost. A message may arrive twice.
func (s *SignalingStore) Subscribe(ctx context.Context, sessionID domain.SessionID) (ports.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrStoreClosed
	}
	s.mu.Unlock()

	ps := s.client.Subscribe(ctx, s.channel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to session channel: %w", err)
	}

	backlog, err := s.load(ctx, sessionID)
	if err != nil {
		ps.Close()
		return nil, err
	}

	s.mu.Lock()
	s.subs[ps] = struct{}{}
	s.mu.Unlock()

	feed := memory.NewFeed(func() {
		s.mu.Lock()
		delete(s.subs, ps)
		s.mu.Unlock()
		ps.Close()
	})
	for _, m := range backlog {
		feed.Push(m)
	}

	go func() {
		defer feed.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-feed.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg domain.SignalMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					s.logger.Warnw("dropping undecodable signal", "session_id", sessionID, "error", err)
					continue
				}
				feed.Push(&msg)
			}
		}
	}()

	return feed, nil
}

// load returns the session's messages oldest first.
func (s *SignalingStore) load(ctx context.Context, sessionID domain.SessionID) ([]*domain.SignalMessage, error) {
	entries, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session messages from Redis: %w", err)
	}

	messages := make([]*domain.SignalMessage, 0, len(entries))
	for id, data := range entries {
		var msg domain.SignalMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.logger.Warnw("skipping undecodable signal", "session_id", sessionID, "message_id", id, "error", err)
			continue
		}
		messages = append(messages, &msg)
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *SignalingStore) Delete(ctx context.Context, sessionID domain.SessionID, messageID string) error {
	if err := s.client.HDel(ctx, s.sessionKey(sessionID), messageID).Err(); err != nil {
		return fmt.Errorf("failed to delete message from Redis: %w", err)
	}
	return nil
}

func (s *SignalingStore) Purge(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) (int, error) {
	messages, err := s.load(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, m := range messages {
		if m.Involves(participantID) {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	removed, err := s.client.HDel(ctx, s.sessionKey(sessionID), ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages from Redis: %w", err)
	}
	return int(removed), nil
}

// Close ends every open subscription. The client belongs to the caller.
func (s *SignalingStore) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := make([]*redis.PubSub, 0, len(s.subs))
	for ps := range s.subs {
		subs = append(subs, ps)
	}
	s.subs = make(map[*redis.PubSub]struct{})
	s.mu.Unlock()

	for _, ps := range subs {
		ps.Close()
	}
	return nil
}
