package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	"meshvoice/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var (
	errSenderMismatch  = errors.New("message sender does not match token")
	errSessionMismatch = errors.New("session does not match token")
	errRateLimited     = errors.New("rate limit exceeded")
)

type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 << 10,
		MessagesPerSecond: 100,
		Burst:             200,
	}
}

// WebSocketServer exposes a SignalingStore to authenticated participants.
// Each connection is bound to the session and participant in its token.
type WebSocketServer struct {
	store  ports.SignalingStore
	cfg    ServerConfig
	limits *middleware.KeyedLimiter

	connections map[string]*connection
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

type connection struct {
	ws            *websocket.Conn
	sessionID     domain.SessionID
	participantID domain.ParticipantID

	ctx    context.Context
	cancel context.CancelFunc
	out    chan *Frame

	mu   sync.Mutex
	subs map[string]ports.Subscription
}

func connectionKey(sessionID domain.SessionID, participantID domain.ParticipantID) string {
	return string(sessionID) + "/" + string(participantID)
}

func NewWebSocketServer(store ports.SignalingStore, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		store:       store,
		cfg:         cfg,
		limits:      middleware.NewKeyedLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		connections: make(map[string]*connection),
		logger:      logger,
	}
}

// HandleWebSocket must run behind middleware.AuthMiddleware.
func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	sessionID, participantID, ok := middleware.Participant(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing participant"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		ws:            ws,
		sessionID:     sessionID,
		participantID: participantID,
		ctx:           ctx,
		cancel:        cancel,
		out:           make(chan *Frame, 64),
		subs:          make(map[string]ports.Subscription),
	}

	key := connectionKey(sessionID, participantID)
	s.mu.Lock()
	existing, isReconnect := s.connections[key]
	s.connections[key] = conn
	s.mu.Unlock()
	if isReconnect {
		existing.cancel()
		existing.ws.Close()
		s.logger.Infow("closing old connection for reconnecting participant", "session_id", sessionID, "participant_id", participantID)
	}

	s.logger.Infow("participant connected", "session_id", sessionID, "participant_id", participantID, "reconnect", isReconnect)

	s.serve(conn)

	s.mu.Lock()
	if s.connections[key] == conn {
		delete(s.connections, key)
		s.limits.Forget(key)
	}
	s.mu.Unlock()
	conn.close()

	s.logger.Infow("participant disconnected", "session_id", sessionID, "participant_id", participantID)
}

func (s *WebSocketServer) serve(conn *connection) {
	ws := conn.ws
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	incoming := make(chan *Frame, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			var frame Frame
			if err := ws.ReadJSON(&frame); err != nil {
				readErr <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case incoming <- &frame:
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case frame := <-incoming:
			reply := s.handleFrame(conn, frame)
			if err := s.write(conn, reply); err != nil {
				s.logger.Infow("error writing reply", "participant_id", conn.participantID, "error", err)
				return
			}

		case frame := <-conn.out:
			if err := s.write(conn, frame); err != nil {
				s.logger.Infow("error forwarding message", "participant_id", conn.participantID, "error", err)
				return
			}

		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "participant_id", conn.participantID, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from participant", "participant_id", conn.participantID, "error", err)
			}
			return

		case <-conn.ctx.Done():
			return
		}
	}
}

func (s *WebSocketServer) write(conn *connection, frame *Frame) error {
	conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.ws.WriteJSON(frame)
}

func (s *WebSocketServer) handleFrame(conn *connection, frame *Frame) *Frame {
	if !s.limits.Get(connectionKey(conn.sessionID, conn.participantID)).Allow() {
		return errorFrame(frame.Ref, errRateLimited)
	}

	ctx := conn.ctx
	var err error
	reply := ack(frame.Ref)

	switch frame.Op {
	case OpPublish:
		err = s.handlePublish(ctx, conn, frame)
	case OpSubscribe:
		err = s.handleSubscribe(ctx, conn, frame)
	case OpUnsubscribe:
		conn.unsubscribe(frame.Ref)
	case OpDelete:
		if frame.MessageID == "" {
			err = fmt.Errorf("message_id is required")
			break
		}
		err = s.store.Delete(ctx, conn.sessionID, frame.MessageID)
	case OpPurge:
		if frame.ParticipantID != "" && frame.ParticipantID != conn.participantID {
			err = errSenderMismatch
			break
		}
		reply.Count, err = s.store.Purge(ctx, conn.sessionID, conn.participantID)
	default:
		err = fmt.Errorf("unknown op: %s", frame.Op)
	}

	if err != nil {
		s.logger.Debugw("relay request rejected", "participant_id", conn.participantID, "op", frame.Op, "error", err)
		return errorFrame(frame.Ref, err)
	}
	return reply
}

func (s *WebSocketServer) handlePublish(ctx context.Context, conn *connection, frame *Frame) error {
	msg := frame.Message
	if msg == nil {
		return fmt.Errorf("%w: missing message", domain.ErrInvalidMessage)
	}
	if msg.SessionID != conn.sessionID {
		return errSessionMismatch
	}
	if msg.FromID != conn.participantID {
		return errSenderMismatch
	}
	if err := s.store.Publish(ctx, msg); err != nil {
		return err
	}

	s.logger.Debugw("routing signal",
		"session_id", msg.SessionID,
		"from", msg.FromID,
		"to", msg.ToID,
		"type", msg.Type,
	)
	return nil
}

func (s *WebSocketServer) handleSubscribe(ctx context.Context, conn *connection, frame *Frame) error {
	if frame.SessionID != conn.sessionID {
		return errSessionMismatch
	}
	if frame.Ref == "" {
		return fmt.Errorf("ref is required")
	}

	sub, err := s.store.Subscribe(ctx, conn.sessionID)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	if old, ok := conn.subs[frame.Ref]; ok {
		old.Close()
	}
	conn.subs[frame.Ref] = sub
	conn.mu.Unlock()

	ref := frame.Ref
	go func() {
		for msg := range sub.Messages() {
			select {
			case conn.out <- &Frame{Op: OpMessage, Ref: ref, Message: msg}:
			case <-conn.ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (c *connection) unsubscribe(ref string) {
	c.mu.Lock()
	sub, ok := c.subs[ref]
	delete(c.subs, ref)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *connection) close() {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]ports.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (s *WebSocketServer) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	})
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown drops every connection.
func (s *WebSocketServer) Shutdown() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		conn.cancel()
	}
}
