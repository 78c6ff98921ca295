package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type Config struct {
	Identity struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"identity"`

	Session struct {
		MonitorInterval time.Duration `yaml:"monitor_interval"`
		ICEBatchDelay   time.Duration `yaml:"ice_batch_delay"`
		ICEBatchMax     int           `yaml:"ice_batch_max"`
		GateOpenDelay   time.Duration `yaml:"gate_open_delay"`
		GateCloseDelay  time.Duration `yaml:"gate_close_delay"`
		MaxMessageAge   time.Duration `yaml:"max_message_age"`
		SubscribeGrace  time.Duration `yaml:"subscribe_grace"`
		DedupCapacity   int           `yaml:"dedup_capacity"`
		QueueSize       int           `yaml:"queue_size"`
	} `yaml:"session"`

	Audio struct {
		InputVolume  float64 `yaml:"input_volume"`
		OutputVolume float64 `yaml:"output_volume"`
		MicThreshold float64 `yaml:"mic_threshold"`
		OutputDevice string  `yaml:"output_device"`
	} `yaml:"audio"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Relay struct {
		Backend      string        `yaml:"backend"` // memory, redis or websocket
		URL          string        `yaml:"url"`
		TokenSecret  string        `yaml:"token_secret"`
		TokenTTL     time.Duration `yaml:"token_ttl"`
		MessageTTL   time.Duration `yaml:"message_ttl"`
		PublishRate  float64       `yaml:"publish_rate"`
		PublishBurst int           `yaml:"publish_burst"`
		Retry        RetryConfig   `yaml:"retry"`
		Breaker      struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"breaker"`
	} `yaml:"relay"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RelayServer struct {
		Address             string        `yaml:"address"`
		Storage             string        `yaml:"storage"` // memory or badger
		BadgerPath          string        `yaml:"badger_path"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		MessagesPerSecond   float64       `yaml:"messages_per_second"`
		Burst               int           `yaml:"burst"`
		ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"relay_server"`

	Control struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"control"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Session
	if c.Session.MonitorInterval <= 0 {
		return fmt.Errorf("session.monitor_interval must be > 0")
	}
	if c.Session.ICEBatchDelay <= 0 {
		return fmt.Errorf("session.ice_batch_delay must be > 0")
	}
	if c.Session.ICEBatchMax < 0 {
		return fmt.Errorf("session.ice_batch_max must be >= 0")
	}
	if c.Session.GateOpenDelay < 0 || c.Session.GateCloseDelay < 0 {
		return fmt.Errorf("session gate delays must be >= 0")
	}
	if c.Session.GateCloseDelay < c.Session.GateOpenDelay {
		return fmt.Errorf("session.gate_close_delay must be >= session.gate_open_delay")
	}
	if c.Session.MaxMessageAge <= 0 {
		return fmt.Errorf("session.max_message_age must be > 0")
	}
	if c.Session.SubscribeGrace < 0 {
		return fmt.Errorf("session.subscribe_grace must be >= 0")
	}
	if c.Session.DedupCapacity <= 0 {
		return fmt.Errorf("session.dedup_capacity must be > 0")
	}
	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("session.queue_size must be > 0")
	}

	// Audio
	if c.Audio.InputVolume < 0 || c.Audio.InputVolume > 100 {
		return fmt.Errorf("audio.input_volume must be between 0 and 100")
	}
	if c.Audio.OutputVolume < 0 || c.Audio.OutputVolume > 100 {
		return fmt.Errorf("audio.output_volume must be between 0 and 100")
	}
	if c.Audio.MicThreshold < 0 || c.Audio.MicThreshold > 100 {
		return fmt.Errorf("audio.mic_threshold must be between 0 and 100")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Relay
	switch c.Relay.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when relay.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when relay.backend=redis")
		}
	case "websocket":
		if c.Relay.URL == "" {
			return fmt.Errorf("relay.url must not be empty when relay.backend=websocket")
		}
		if c.Relay.TokenSecret == "" {
			return fmt.Errorf("relay.token_secret must not be empty when relay.backend=websocket")
		}
	default:
		return fmt.Errorf("relay.backend must be one of memory, redis, websocket")
	}
	if c.Relay.MessageTTL < c.Session.MaxMessageAge {
		return fmt.Errorf("relay.message_ttl must be >= session.max_message_age")
	}
	if c.Relay.PublishRate <= 0 || c.Relay.PublishBurst <= 0 {
		return fmt.Errorf("relay.publish_rate and relay.publish_burst must be > 0")
	}
	if c.Relay.Retry.MaxAttempts < 0 {
		return fmt.Errorf("relay.retry.max_attempts must be >= 0")
	}
	if c.Relay.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("relay.breaker.failure_threshold must be > 0")
	}

	// Relay server
	switch c.RelayServer.Storage {
	case "memory":
	case "badger":
		if c.RelayServer.BadgerPath == "" {
			return fmt.Errorf("relay_server.badger_path must not be empty when storage=badger")
		}
	default:
		return fmt.Errorf("relay_server.storage must be memory or badger")
	}
	if c.RelayServer.PingInterval <= 0 || c.RelayServer.PongTimeout <= c.RelayServer.PingInterval {
		return fmt.Errorf("relay_server.pong_timeout must exceed relay_server.ping_interval")
	}
	if c.RelayServer.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("relay_server.max_message_size_bytes must be > 0")
	}

	// Control
	if c.Control.Enabled && c.Control.Address == "" {
		return fmt.Errorf("control.address must not be empty when control.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Session.MonitorInterval = 100 * time.Millisecond
	cfg.Session.ICEBatchDelay = 100 * time.Millisecond
	cfg.Session.ICEBatchMax = 32
	cfg.Session.GateOpenDelay = 10 * time.Millisecond
	cfg.Session.GateCloseDelay = 500 * time.Millisecond
	cfg.Session.MaxMessageAge = 5 * time.Second
	cfg.Session.SubscribeGrace = 2 * time.Second
	cfg.Session.DedupCapacity = 1000
	cfg.Session.QueueSize = 256

	cfg.Audio.InputVolume = 100
	cfg.Audio.OutputVolume = 100
	cfg.Audio.MicThreshold = 15
	cfg.Audio.OutputDevice = "default"

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Relay.Backend = "memory"
	cfg.Relay.URL = "ws://localhost:8090/ws"
	cfg.Relay.TokenTTL = time.Hour
	cfg.Relay.MessageTTL = 30 * time.Second
	cfg.Relay.PublishRate = 50
	cfg.Relay.PublishBurst = 100
	cfg.Relay.Retry = RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
	cfg.Relay.Breaker.FailureThreshold = 10
	cfg.Relay.Breaker.Timeout = 5 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.RelayServer.Address = ":8090"
	cfg.RelayServer.Storage = "memory"
	cfg.RelayServer.BadgerPath = "data/relay"
	cfg.RelayServer.PingInterval = 30 * time.Second
	cfg.RelayServer.PongTimeout = 60 * time.Second
	cfg.RelayServer.WriteTimeout = 10 * time.Second
	cfg.RelayServer.MaxMessageSizeBytes = 64 * 1024
	cfg.RelayServer.MessagesPerSecond = 100
	cfg.RelayServer.Burst = 200
	cfg.RelayServer.ShutdownTimeout = 10 * time.Second

	cfg.Control.Enabled = true
	cfg.Control.Address = "127.0.0.1:8085"
	cfg.Control.ShutdownTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("MESHVOICE_IDENTITY_ID"); id != "" {
		c.Identity.ID = id
	}
	if name := os.Getenv("MESHVOICE_IDENTITY_NAME"); name != "" {
		c.Identity.Name = name
	}
	if backend := os.Getenv("MESHVOICE_RELAY_BACKEND"); backend != "" {
		c.Relay.Backend = strings.ToLower(backend)
	}
	if url := os.Getenv("MESHVOICE_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if secret := os.Getenv("MESHVOICE_RELAY_TOKEN_SECRET"); secret != "" {
		c.Relay.TokenSecret = secret
	}
	if addr := os.Getenv("MESHVOICE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if addr := os.Getenv("MESHVOICE_CONTROL_ADDRESS"); addr != "" {
		c.Control.Address = addr
	}
	if addr := os.Getenv("MESHVOICE_RELAY_SERVER_ADDRESS"); addr != "" {
		c.RelayServer.Address = addr
	}
	if level := os.Getenv("MESHVOICE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
