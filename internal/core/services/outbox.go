package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	apperrors "meshvoice/pkg/errors"

	"go.uber.org/zap"
)

// outbox sends a session's relay messages one at a time in enqueue order.
// Enqueueing never blocks the session loop: while the relay is stalled the
// queue fills and further messages are dropped.
type outbox struct {
	relay   ports.Relay
	metrics ports.SessionMetrics
	ch      chan *domain.SignalMessage
	dropped atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	logger  *zap.SugaredLogger
}

func newOutbox(relay ports.Relay, size int, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &outbox{
		relay:   relay,
		metrics: sessionMetricsOrNoop(metrics),
		ch:      make(chan *domain.SignalMessage, size),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (o *outbox) start() {
	o.started = true
	go o.run()
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		select {
		case <-o.ctx.Done():
			return
		case msg := <-o.ch:
			o.deliver(msg)
		}
	}
}

func (o *outbox) deliver(msg *domain.SignalMessage) {
	err := o.relay.Send(o.ctx, msg)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if !apperrors.IsAppError(err) {
		err = apperrors.NewSignalingDeliveryError(fmt.Errorf("%w: %v", domain.ErrSignalingDelivery, err))
	}
	o.logger.Warnw("Signaling delivery failed",
		"type", msg.Type,
		"to", msg.ToID,
		"error", err,
	)
}

// enqueue reports false when msg was not queued, either because the outbox
// is stopped or because it is full.
func (o *outbox) enqueue(msg *domain.SignalMessage) bool {
	if o.ctx.Err() != nil {
		return false
	}
	select {
	case o.ch <- msg:
		return true
	default:
	}
	dropped := o.dropped.Add(1)
	o.metrics.OutboxDropped(string(msg.Type))
	o.logger.Warnw("Signaling outbox full, dropping message",
		"type", msg.Type,
		"to", msg.ToID,
		"dropped", dropped,
	)
	return false
}

// stop abandons queued messages and waits for an in-flight send to return.
func (o *outbox) stop() {
	o.cancel()
	if o.started {
		<-o.done
	}
}
