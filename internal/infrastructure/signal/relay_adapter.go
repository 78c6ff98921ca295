package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	"meshvoice/pkg/cache"
	"meshvoice/pkg/circuitbreaker"
	apperrors "meshvoice/pkg/errors"
	"meshvoice/pkg/retry"
	"meshvoice/pkg/tracing"
	"meshvoice/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxMessageAge  = 5 * time.Second
	DefaultSubscribeGrace = 2 * time.Second
	DefaultDedupCapacity  = 1000

	deleteTimeout = 3 * time.Second
)

type RelayConfig struct {
	MaxMessageAge  time.Duration
	SubscribeGrace time.Duration
	DedupCapacity  int
	DedupTTL       time.Duration
	PublishRate    float64
	PublishBurst   int
	Retry          retry.Config
	Breaker        circuitbreaker.Config
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		MaxMessageAge:  DefaultMaxMessageAge,
		SubscribeGrace: DefaultSubscribeGrace,
		DedupCapacity:  DefaultDedupCapacity,
		DedupTTL:       time.Minute,
		PublishRate:    50,
		PublishBurst:   100,
		Retry:          retry.DefaultConfig(),
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

// RelayAdapter turns a raw SignalingStore into the filtered, deduplicated,
// self-consuming channel a session talks to.
type RelayAdapter struct {
	store   ports.SignalingStore
	cfg     RelayConfig
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	metrics ports.RelayMetrics
	logger  *zap.SugaredLogger
	now     func() time.Time
}

var _ ports.Relay = (*RelayAdapter)(nil)

func NewRelayAdapter(store ports.SignalingStore, cfg RelayConfig, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *RelayAdapter {
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}
	breaker := circuitbreaker.New(cfg.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("relay circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	return &RelayAdapter{
		store:   store,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.PublishRate), cfg.PublishBurst),
		breaker: breaker,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Send stamps msg and publishes it with rate limiting, a circuit breaker and
// exponential backoff. A final failure is a SignalingDeliveryError.
func (a *RelayAdapter) Send(ctx context.Context, msg *domain.SignalMessage) error {
	if msg.ID == "" {
		msg.ID = utils.GenerateMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = a.now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid signaling message", http.StatusBadRequest)
	}

	ctx, span := tracing.TraceRelay(ctx, "publish", string(msg.Type), msg.ID)
	defer span.End()

	start := a.now()
	err := retry.Retry(ctx, a.cfg.Retry, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return retry.Permanent(apperrors.NewRateLimitError().WithCause(err))
		}
		return a.breaker.Execute(ctx, func() error {
			return a.store.Publish(ctx, msg)
		})
	})
	if err != nil {
		a.metrics.SendFailed(string(msg.Type))
		tracing.RecordError(ctx, err)
		return apperrors.NewSignalingDeliveryError(
			fmt.Errorf("%w: %s %s: %v", domain.ErrSignalingDelivery, msg.Type, msg.ID, err))
	}

	a.metrics.MessageSent(string(msg.Type))
	a.metrics.PublishLatency(a.now().Sub(start))
	a.logger.Debugw("signal published",
		"session_id", msg.SessionID,
		"type", msg.Type,
		"message_id", msg.ID,
		"to", msg.ToID,
	)
	return nil
}

// Subscribe delivers every message for localID to handler, one at a time and
// in store order, until the returned function is called.
func (a *RelayAdapter) Subscribe(ctx context.Context, sessionID domain.SessionID, localID domain.ParticipantID, handler func(*domain.SignalMessage)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := a.store.Subscribe(subCtx, sessionID)
	if err != nil {
		cancel()
		return nil, err
	}

	c := &consumer{
		adapter:   a,
		sessionID: sessionID,
		localID:   localID,
		started:   a.now(),
		seen:      cache.NewCache[string, struct{}](a.cfg.DedupTTL, a.cfg.DedupCapacity),
		handler:   handler,
		done:      make(chan struct{}),
	}
	go c.run(subCtx, sub)

	a.logger.Infow("subscribed to signaling relay", "session_id", sessionID, "participant_id", localID)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.Close()
			<-c.done
			c.seen.Stop()
		})
	}, nil
}

// Purge removes every message sent by or addressed to participantID.
func (a *RelayAdapter) Purge(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) error {
	n, err := a.store.Purge(ctx, sessionID, participantID)
	if err != nil {
		return fmt.Errorf("failed to purge messages for %s: %w", participantID, err)
	}
	if n > 0 {
		a.logger.Debugw("purged signaling messages", "session_id", sessionID, "participant_id", participantID, "count", n)
	}
	return nil
}

type consumer struct {
	adapter   *RelayAdapter
	sessionID domain.SessionID
	localID   domain.ParticipantID
	started   time.Time
	seen      *cache.Cache[string, struct{}]
	handler   func(*domain.SignalMessage)
	done      chan struct{}
}

func (c *consumer) run(ctx context.Context, sub ports.Subscription) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() == nil {
					c.adapter.logger.Warnw("signaling subscription ended", "session_id", c.sessionID)
				}
				return
			}
			c.process(ctx, msg)
		}
	}
}

func (c *consumer) process(ctx context.Context, msg *domain.SignalMessage) {
	a := c.adapter
	if !c.seen.Add(msg.ID, struct{}{}) {
		a.metrics.DuplicateDropped()
		return
	}

	now := a.now()
	if msg.Age(now) > a.cfg.MaxMessageAge || msg.CreatedAt.Before(c.started.Add(-a.cfg.SubscribeGrace)) {
		a.metrics.StaleDiscarded()
		a.logger.Debugw("discarding stale signal",
			"session_id", c.sessionID,
			"message_id", msg.ID,
			"type", msg.Type,
			"age", msg.Age(now),
		)
		c.delete(ctx, msg)
		return
	}

	if msg.FromID == c.localID || !msg.AddressedTo(c.localID) {
		return
	}

	a.metrics.MessageDelivered(string(msg.Type))
	c.handler(msg)

	// Broadcasts are left for the other participants; the store TTL removes them.
	if !msg.IsBroadcast() {
		c.delete(ctx, msg)
	}
}

func (c *consumer) delete(ctx context.Context, msg *domain.SignalMessage) {
	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()
	if err := c.adapter.store.Delete(ctx, c.sessionID, msg.ID); err != nil {
		c.adapter.logger.Debugw("failed to delete consumed signal", "message_id", msg.ID, "error", err)
	}
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) MessageSent(string)           {}
func (noopRelayMetrics) SendFailed(string)            {}
func (noopRelayMetrics) MessageDelivered(string)      {}
func (noopRelayMetrics) StaleDiscarded()              {}
func (noopRelayMetrics) DuplicateDropped()            {}
func (noopRelayMetrics) PublishLatency(time.Duration) {}
