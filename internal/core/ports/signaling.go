package ports

import (
	"context"

	"meshvoice/internal/core/domain"
)

// Subscription delivers a session's messages, backlog first, in publish order.
type Subscription interface {
	Messages() <-chan *domain.SignalMessage
	Close() error
}

// SignalingStore is the raw store-and-forward relay.
type SignalingStore interface {
	Publish(ctx context.Context, msg *domain.SignalMessage) error
	Subscribe(ctx context.Context, sessionID domain.SessionID) (Subscription, error)
	Delete(ctx context.Context, sessionID domain.SessionID, messageID string) error
	// Purge deletes every message sent by or addressed to the participant.
	Purge(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) (int, error)
	Close() error
}

// Relay is the session-facing signaling channel: it stamps, filters,
// deduplicates and consumes messages on top of a SignalingStore.
type Relay interface {
	Send(ctx context.Context, msg *domain.SignalMessage) error
	Subscribe(ctx context.Context, sessionID domain.SessionID, localID domain.ParticipantID, handler func(*domain.SignalMessage)) (func(), error)
	Purge(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) error
}
