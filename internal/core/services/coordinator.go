package services

import (
	"context"
	"sync"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	apperrors "meshvoice/pkg/errors"
	"meshvoice/pkg/utils"
	"meshvoice/pkg/validation"

	"go.uber.org/zap"
)

// CoordinatorDeps are the collaborators a session is built from. Events and
// Metrics may be nil.
type CoordinatorDeps struct {
	Relay   ports.Relay
	Links   ports.PeerLinkFactory
	Capture ports.CaptureDevice
	Output  ports.AudioOutput
	Events  ports.EventSink
	Metrics ports.SessionMetrics
}

const maxDisplayName = 64

// Coordinator holds at most one session at a time.
type Coordinator struct {
	deps   CoordinatorDeps
	cfg    SessionConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current *Session
}

func NewCoordinator(deps CoordinatorDeps, cfg SessionConfig, logger *zap.SugaredLogger) *Coordinator {
	if deps.Events == nil {
		deps.Events = noopEventSink{}
	}
	return &Coordinator{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
}

// JoinSession opens the microphone, subscribes to the relay and announces
// the local participant. An active session is left first; a session that
// is still joining or leaving makes the call fail with AlreadyJoined.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID domain.SessionID, identity domain.Identity, settings domain.AudioSettings) (*Session, error) {
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateParticipantID(string(identity.ID)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	identity.Name = utils.TruncateString(utils.SanitizeString(identity.Name), maxDisplayName)
	if identity.Name == "" {
		identity.Name = string(identity.ID)
	}
	if err := validation.ValidateDisplayName(identity.Name); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.current
	if prev != nil {
		switch prev.State() {
		case domain.SessionJoining, domain.SessionLeaving:
			c.mu.Unlock()
			return nil, apperrors.NewAlreadyJoinedError(string(prev.ID())).WithCause(domain.ErrAlreadyJoined)
		}
	}
	s := newSession(sessionID, identity, settings, c.cfg, c.deps, c.logger)
	c.current = s
	c.mu.Unlock()

	if prev != nil && prev.State() == domain.SessionActive {
		c.logger.Infow("Leaving active session before joining", "session_id", prev.ID(), "next_session_id", sessionID)
		if err := prev.Leave(ctx); err != nil {
			c.logger.Warnw("Implicit leave did not complete cleanly", "session_id", prev.ID(), "error", err)
		}
	}

	if err := s.start(ctx); err != nil {
		c.mu.Lock()
		if c.current == s {
			c.current = nil
		}
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Current returns the session that is not yet fully left, or nil.
func (c *Coordinator) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.State() == domain.SessionIdle {
		return nil
	}
	return c.current
}

// Leave leaves the current session, if any.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Leave(ctx)
}
