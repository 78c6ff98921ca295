package repositories

import (
	"context"
	"fmt"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	"meshvoice/internal/core/services"
	"meshvoice/internal/infrastructure/repositories/badger"
	"meshvoice/internal/infrastructure/repositories/memory"
	redisrepo "meshvoice/internal/infrastructure/repositories/redis"
	"meshvoice/internal/infrastructure/signal"
	"meshvoice/pkg/config"
	"meshvoice/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendWebSocket = "websocket"
	StorageBadger    = "badger"
)

// StoreFactory opens signaling stores with fallback support.
type StoreFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewStoreFactory(cfg *config.Config, logger *zap.SugaredLogger) *StoreFactory {
	return &StoreFactory{cfg: cfg, logger: logger}
}

// ClientStore returns the store a participant publishes to. An unreachable
// Redis falls back to an in-process store, which only reaches participants
// in the same process.
func (f *StoreFactory) ClientStore(participantID domain.ParticipantID) (ports.SignalingStore, string, error) {
	switch f.cfg.Relay.Backend {
	case BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		client, err := redisrepo.Connect(ctx, redisrepo.ClientOptions{
			Address:  f.cfg.Redis.Address,
			Password: f.cfg.Redis.Password,
			DB:       f.cfg.Redis.DB,
			PoolSize: f.cfg.Redis.PoolSize,
		}, f.logger)
		cancel()
		if err != nil {
			f.logger.Warnw("failed to connect to Redis, falling back to memory signaling store",
				"error", err,
			)
			return memory.NewSignalingStore(f.cfg.Relay.MessageTTL), BackendMemory, nil
		}
		f.redisClient = client
		f.logger.Info("using Redis signaling store")
		return redisrepo.NewSignalingStore(client, f.cfg.Relay.MessageTTL, f.logger), BackendRedis, nil

	case BackendWebSocket:
		auth := services.NewAuthService(f.cfg.Relay.TokenSecret, f.cfg.Relay.TokenTTL)
		reconnect := retry.Config{
			Enabled:      true,
			MaxAttempts:  f.cfg.Relay.Retry.MaxAttempts,
			InitialDelay: f.cfg.Relay.Retry.InitialDelay,
			MaxDelay:     f.cfg.Relay.Retry.MaxDelay,
			Multiplier:   2,
		}
		f.logger.Infow("using relay server signaling store", "participant_id", participantID)
		return signal.NewWebSocketStore(f.cfg.Relay.URL, participantID, auth, reconnect, f.logger), BackendWebSocket, nil

	case BackendMemory:
		f.logger.Info("using memory signaling store")
		return memory.NewSignalingStore(f.cfg.Relay.MessageTTL), BackendMemory, nil

	default:
		return nil, "", fmt.Errorf("unknown relay backend %q", f.cfg.Relay.Backend)
	}
}

// ServerStore returns the store behind the relay server.
func (f *StoreFactory) ServerStore() (ports.SignalingStore, error) {
	switch f.cfg.RelayServer.Storage {
	case StorageBadger:
		store, err := badger.Open(f.cfg.RelayServer.BadgerPath, f.cfg.Relay.MessageTTL, f.logger)
		if err != nil {
			return nil, err
		}
		f.logger.Infow("using badger relay storage", "path", f.cfg.RelayServer.BadgerPath)
		return store, nil
	case BackendMemory:
		f.logger.Info("using memory relay storage")
		return memory.NewSignalingStore(f.cfg.Relay.MessageTTL), nil
	default:
		return nil, fmt.Errorf("unknown relay storage %q", f.cfg.RelayServer.Storage)
	}
}

// RedisClient is non-nil once ClientStore connected to Redis.
func (f *StoreFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes the Redis connection if one was opened.
func (f *StoreFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks the Redis connection when one is in use.
func (f *StoreFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
