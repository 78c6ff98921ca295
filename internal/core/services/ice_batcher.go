package services

import (
	"context"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/pkg/batch"

	"go.uber.org/zap"
)

const (
	DefaultICEBatchDelay = 100 * time.Millisecond
	DefaultICEBatchMax   = 32
)

// iceBatcher coalesces locally gathered candidates per remote peer into
// ice-batch messages.
type iceBatcher struct {
	batcher *batch.Batcher[domain.ParticipantID, domain.ICECandidate]
	logger  *zap.SugaredLogger
}

func newICEBatcher(delay time.Duration, maxSize int, send func(to domain.ParticipantID, candidates []domain.ICECandidate) error, logger *zap.SugaredLogger) *iceBatcher {
	b := batch.NewBatcher[domain.ParticipantID, domain.ICECandidate](delay, maxSize,
		batch.ProcessorFunc[domain.ParticipantID, domain.ICECandidate](
			func(_ context.Context, to domain.ParticipantID, items []domain.ICECandidate) error {
				return send(to, items)
			}))
	b.OnError(func(to domain.ParticipantID, err error) {
		logger.Warnw("Failed to send ICE batch", "peer_id", to, "error", err)
	})
	return &iceBatcher{batcher: b, logger: logger}
}

func (b *iceBatcher) Add(to domain.ParticipantID, candidate domain.ICECandidate) {
	if err := b.batcher.Add(to, candidate); err != nil {
		b.logger.Debugw("Dropping ICE candidate", "peer_id", to, "error", err)
	}
}

func (b *iceBatcher) Discard(to domain.ParticipantID) {
	b.batcher.Discard(to)
}

func (b *iceBatcher) Pending(to domain.ParticipantID) int {
	return b.batcher.PendingCount(to)
}

// Stop discards every pending batch.
func (b *iceBatcher) Stop() {
	b.batcher.Stop()
}
