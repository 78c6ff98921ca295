package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	"meshvoice/internal/core/services"
	"meshvoice/internal/infrastructure/repositories/memory"
	"meshvoice/pkg/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errConnectionLost = errors.New("relay connection lost")

// WebSocketStore is a ports.SignalingStore backed by a remote relay server.
// It keeps one authenticated connection per session and re-establishes it,
// resubscribing, when it drops.
type WebSocketStore struct {
	url           string
	participantID domain.ParticipantID
	auth          services.AuthService
	writeTimeout  time.Duration
	reconnect     retry.Config
	logger        *zap.SugaredLogger

	mu      sync.Mutex
	clients map[domain.SessionID]*relayClient
	closed  bool
}

var _ ports.SignalingStore = (*WebSocketStore)(nil)

func NewWebSocketStore(relayURL string, participantID domain.ParticipantID, auth services.AuthService, reconnect retry.Config, logger *zap.SugaredLogger) *WebSocketStore {
	return &WebSocketStore{
		url:           relayURL,
		participantID: participantID,
		auth:          auth,
		writeTimeout:  10 * time.Second,
		reconnect:     reconnect,
		logger:        logger,
		clients:       make(map[domain.SessionID]*relayClient),
	}
}

func (s *WebSocketStore) client(sessionID domain.SessionID) (*relayClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	c, ok := s.clients[sessionID]
	if !ok {
		c = &relayClient{
			store:     s,
			sessionID: sessionID,
			pending:   make(map[string]chan *Frame),
			feeds:     make(map[string]*memory.Feed),
		}
		s.clients[sessionID] = c
	}
	return c, nil
}

func (s *WebSocketStore) Publish(ctx context.Context, msg *domain.SignalMessage) error {
	c, err := s.client(msg.SessionID)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, &Frame{Op: OpPublish, Message: msg})
	return err
}

func (s *WebSocketStore) Subscribe(ctx context.Context, sessionID domain.SessionID) (ports.Subscription, error) {
	c, err := s.client(sessionID)
	if err != nil {
		return nil, err
	}
	return c.subscribe(ctx)
}

func (s *WebSocketStore) Delete(ctx context.Context, sessionID domain.SessionID, messageID string) error {
	c, err := s.client(sessionID)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, &Frame{Op: OpDelete, MessageID: messageID})
	return err
}

func (s *WebSocketStore) Purge(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) (int, error) {
	c, err := s.client(sessionID)
	if err != nil {
		return 0, err
	}
	reply, err := c.request(ctx, &Frame{Op: OpPurge, ParticipantID: participantID})
	if err != nil {
		return 0, err
	}
	return reply.Count, nil
}

func (s *WebSocketStore) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[domain.SessionID]*relayClient)
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}

type relayClient struct {
	store     *WebSocketStore
	sessionID domain.SessionID

	mu      sync.Mutex
	ws      *websocket.Conn
	lost    chan struct{}
	pending map[string]chan *Frame
	feeds   map[string]*memory.Feed
	closed  bool

	writeMu sync.Mutex
}

// connect returns the live connection, dialing one if needed.
func (c *relayClient) connect(ctx context.Context) (*websocket.Conn, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, domain.ErrStoreClosed
	}
	if c.ws != nil {
		return c.ws, c.lost, nil
	}

	token, err := c.store.auth.GenerateToken(c.sessionID, c.store.participantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue relay token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.store.url, header)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("failed to dial relay %s: %s: %w", redact(c.store.url), resp.Status, err)
		}
		return nil, nil, fmt.Errorf("failed to dial relay %s: %w", redact(c.store.url), err)
	}

	c.ws = ws
	c.lost = make(chan struct{})
	go c.readLoop(ws, c.lost)

	c.store.logger.Infow("connected to signaling relay", "session_id", c.sessionID, "url", redact(c.store.url))
	return ws, c.lost, nil
}

func (c *relayClient) readLoop(ws *websocket.Conn, lost chan struct{}) {
	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			c.connectionLost(ws, lost, err)
			return
		}

		c.mu.Lock()
		switch frame.Op {
		case OpMessage:
			if feed, ok := c.feeds[frame.Ref]; ok && frame.Message != nil {
				feed.Push(frame.Message)
			}
		case OpAck, OpError:
			if ch, ok := c.pending[frame.Ref]; ok {
				delete(c.pending, frame.Ref)
				ch <- &frame
			}
		}
		c.mu.Unlock()
	}
}

func (c *relayClient) connectionLost(ws *websocket.Conn, lost chan struct{}, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	close(lost)
	resubscribe := !c.closed && len(c.feeds) > 0
	c.mu.Unlock()
	ws.Close()

	if !resubscribe {
		return
	}
	c.store.logger.Warnw("signaling relay connection lost, reconnecting", "session_id", c.sessionID, "error", err)
	go c.restore()
}

// restore reconnects and re-registers every open subscription under its old
// ref. The relay replays the backlog, which the relay adapter deduplicates.
func (c *relayClient) restore() {
	ctx := context.Background()
	err := retry.Retry(ctx, c.store.reconnect, func() error {
		c.mu.Lock()
		refs := make([]string, 0, len(c.feeds))
		for ref := range c.feeds {
			refs = append(refs, ref)
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return retry.Permanent(domain.ErrStoreClosed)
		}

		for _, ref := range refs {
			if _, err := c.send(ctx, &Frame{Op: OpSubscribe, Ref: ref, SessionID: c.sessionID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		c.store.logger.Infow("signaling relay subscriptions restored", "session_id", c.sessionID)
		return
	}

	c.store.logger.Errorw("failed to restore signaling relay", "session_id", c.sessionID, "error", err)
	c.mu.Lock()
	feeds := c.feeds
	c.feeds = make(map[string]*memory.Feed)
	c.mu.Unlock()
	for _, f := range feeds {
		f.Close()
	}
}

func (c *relayClient) request(ctx context.Context, frame *Frame) (*Frame, error) {
	frame.Ref = uuid.NewString()
	return c.send(ctx, frame)
}

// send writes frame with its existing ref and waits for the reply.
func (c *relayClient) send(ctx context.Context, frame *Frame) (*Frame, error) {
	ws, lost, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	reply := make(chan *Frame, 1)
	c.mu.Lock()
	c.pending[frame.Ref] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.Ref)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(c.store.writeTimeout))
	err = ws.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", frame.Op, err)
	}

	select {
	case r := <-reply:
		if r.Op == OpError {
			return nil, fmt.Errorf("relay rejected %s: %s", frame.Op, r.Error)
		}
		return r, nil
	case <-lost:
		return nil, errConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *relayClient) subscribe(ctx context.Context) (ports.Subscription, error) {
	ref := uuid.NewString()
	var feed *memory.Feed
	feed = memory.NewFeed(func() {
		c.mu.Lock()
		_, active := c.feeds[ref]
		delete(c.feeds, ref)
		c.mu.Unlock()
		if active {
			ctx, cancel := context.WithTimeout(context.Background(), c.store.writeTimeout)
			defer cancel()
			c.send(ctx, &Frame{Op: OpUnsubscribe, Ref: ref})
		}
	})

	// Registered before the request so that backlog pushed ahead of the ack
	// is not dropped.
	c.mu.Lock()
	c.feeds[ref] = feed
	c.mu.Unlock()

	if _, err := c.send(ctx, &Frame{Op: OpSubscribe, Ref: ref, SessionID: c.sessionID}); err != nil {
		c.mu.Lock()
		delete(c.feeds, ref)
		c.mu.Unlock()
		feed.Close()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			feed.Close()
		case <-feed.Done():
		}
	}()
	return feed, nil
}

func (c *relayClient) close() {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.ws = nil
	feeds := c.feeds
	c.feeds = make(map[string]*memory.Feed)
	c.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}
}

// redact strips any query string, which may carry a token.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
