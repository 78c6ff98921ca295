package repositories

import (
	"context"
	"testing"

	"meshvoice/internal/infrastructure/repositories/badger"
	"meshvoice/internal/infrastructure/repositories/memory"
	"meshvoice/internal/infrastructure/signal"
	"meshvoice/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStoreFactory_ClientStore(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	cfg := config.DefaultConfig()
	cfg.Relay.Backend = BackendMemory
	store, backend, err := NewStoreFactory(cfg, logger).ClientStore("alice")
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, BackendMemory, backend)
	assert.IsType(t, &memory.SignalingStore{}, store)

	cfg = config.DefaultConfig()
	cfg.Relay.Backend = BackendWebSocket
	cfg.Relay.URL = "ws://127.0.0.1:1/ws"
	store, backend, err = NewStoreFactory(cfg, logger).ClientStore("alice")
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, BackendWebSocket, backend)
	assert.IsType(t, &signal.WebSocketStore{}, store)

	cfg.Relay.Backend = "carrier-pigeon"
	_, _, err = NewStoreFactory(cfg, logger).ClientStore("alice")
	assert.Error(t, err)
}

func TestStoreFactory_RedisFallsBackToMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Relay.Backend = BackendRedis
	cfg.Redis.Address = "127.0.0.1:1"

	factory := NewStoreFactory(cfg, zaptest.NewLogger(t).Sugar())
	store, backend, err := factory.ClientStore("alice")
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, BackendMemory, backend)
	assert.Nil(t, factory.RedisClient())
	assert.NoError(t, factory.HealthCheck(context.Background()))
	assert.NoError(t, factory.Close())
}

func TestStoreFactory_ServerStore(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	cfg := config.DefaultConfig()

	cfg.RelayServer.Storage = StorageBadger
	cfg.RelayServer.BadgerPath = t.TempDir()
	store, err := NewStoreFactory(cfg, logger).ServerStore()
	require.NoError(t, err)
	assert.IsType(t, &badger.SignalingStore{}, store)
	require.NoError(t, store.Close())

	cfg.RelayServer.Storage = BackendMemory
	store, err = NewStoreFactory(cfg, logger).ServerStore()
	require.NoError(t, err)
	assert.IsType(t, &memory.SignalingStore{}, store)
	require.NoError(t, store.Close())
}
