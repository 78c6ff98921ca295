package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	"meshvoice/internal/infrastructure/repositories/memory"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// SignalingStore persists relay messages in badger with a native TTL, so a
// relay restart keeps the rendezvous backlog.
//
// Layout:
//
//	msg/<session>/<created unix nanos>/<id> -> message JSON
//	idx/<session>/<id>                       -> primary key
type SignalingStore struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.SugaredLogger

	mu     sync.Mutex
	feeds  map[domain.SessionID]map[*memory.Feed]struct{}
	closed bool
}

var _ ports.SignalingStore = (*SignalingStore)(nil)

// Open opens (or creates) the store at path. An empty path keeps everything
// in memory.
func Open(path string, ttl time.Duration, logger *zap.SugaredLogger) (*SignalingStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}
	return &SignalingStore{
		db:     db,
		ttl:    ttl,
		logger: logger,
		feeds:  make(map[domain.SessionID]map[*memory.Feed]struct{}),
	}, nil
}

func messagePrefix(sessionID domain.SessionID) []byte {
	return []byte("msg/" + string(sessionID) + "/")
}

func messageKey(msg *domain.SignalMessage) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d/%s", msg.SessionID, msg.CreatedAt.UnixNano(), msg.ID))
}

func indexKey(sessionID domain.SessionID, id string) []byte {
	return []byte("idx/" + string(sessionID) + "/" + id)
}

func (s *SignalingStore) entry(key, value []byte) *badger.Entry {
	e := badger.NewEntry(key, value)
	if s.ttl > 0 {
		e = e.WithTTL(s.ttl)
	}
	return e
}

func (s *SignalingStore) Publish(ctx context.Context, msg *domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStoreClosed
	}

	key := messageKey(msg)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(s.entry(key, data)); err != nil {
			return err
		}
		return txn.SetEntry(s.entry(indexKey(msg.SessionID, msg.ID), key))
	})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	for f := range s.feeds[msg.SessionID] {
		cp := *msg
		f.Push(&cp)
	}
	return nil
}

func (s *SignalingStore) Subscribe(ctx context.Context, sessionID domain.SessionID) (ports.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	backlog, err := s.scan(sessionID)
	if err != nil {
		return nil, err
	}

	var feed *memory.Feed
	feed = memory.NewFeed(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.feeds[sessionID], feed)
		if len(s.feeds[sessionID]) == 0 {
			delete(s.feeds, sessionID)
		}
	})
	for _, m := range backlog {
		feed.Push(m)
	}
	if s.feeds[sessionID] == nil {
		s.feeds[sessionID] = make(map[*memory.Feed]struct{})
	}
	s.feeds[sessionID][feed] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			feed.Close()
		case <-feed.Done():
		}
	}()
	return feed, nil
}

// scan returns the session's live messages in key order, which is creation
// order.
func (s *SignalingStore) scan(sessionID domain.SessionID) ([]*domain.SignalMessage, error) {
	var messages []*domain.SignalMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = messagePrefix(sessionID)
		iter := txn.NewIterator(opt)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			var msg domain.SignalMessage
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				s.logger.Warnw("skipping undecodable signal", "key", string(iter.Item().Key()), "error", err)
				continue
			}
			messages = append(messages, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan session %s: %w", sessionID, err)
	}
	return messages, nil
}

func (s *SignalingStore) Delete(ctx context.Context, sessionID domain.SessionID, messageID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		idx := indexKey(sessionID, messageID)
		item, err := txn.Get(idx)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idx)
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

func (s *SignalingStore) Purge(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) (int, error) {
	messages, err := s.scan(sessionID)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, m := range messages {
			if !m.Involves(participantID) {
				continue
			}
			if err := txn.Delete(messageKey(m)); err != nil {
				return err
			}
			if err := txn.Delete(indexKey(sessionID, m.ID)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages for %s: %w", participantID, err)
	}
	return removed, nil
}

func (s *SignalingStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var feeds []*memory.Feed
	for _, set := range s.feeds {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
	return s.db.Close()
}
