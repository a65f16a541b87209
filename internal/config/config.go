package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/computeshare/internal/coordinator"
	"github.com/nmxmxh/computeshare/internal/network"
	"github.com/nmxmxh/computeshare/internal/worker"
)

// EnvFiles are loaded in order before the environment is read. Variables
// already set win.
var EnvFiles = []string{".env.local", ".env"}

type Config struct {
	RunID string `ignored:"true"`

	// Coordinator
	CoordinatorURL   string        `envconfig:"COORDINATOR_URL" default:"http://127.0.0.1:8080"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	MaxRetries       uint64        `envconfig:"MAX_RETRIES" default:"4"`
	RetryInterval    time.Duration `envconfig:"RETRY_INTERVAL" default:"500ms"`
	RetryMaxInterval time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"10s"`
	BreakerThreshold uint32        `envconfig:"BREAKER_THRESHOLD" default:"5"`
	BreakerTimeout   time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`

	// Worker
	WorkerName        string        `envconfig:"WORKER_NAME" default:"worker-node"`
	Capabilities      []string      `envconfig:"CAPABILITIES" default:"math:basic,math:advanced,analytics:vector"`
	IdleInterval      time.Duration `envconfig:"IDLE_INTERVAL" default:"5s"`
	HandoffMaxPending int           `envconfig:"HANDOFF_MAX_PENDING" default:"0"`
	FlushTimeout      time.Duration `envconfig:"FLUSH_TIMEOUT" default:"5s"`

	// Gossip
	ListenAddrs    []string `envconfig:"LISTEN_ADDRS" default:"/ip4/0.0.0.0/tcp/0"`
	BootstrapPeers []string `envconfig:"BOOTSTRAP_PEERS"`
	Topic          string   `envconfig:"GOSSIP_TOPIC" default:"compute-tasks"`
	EnableMDNS     bool     `envconfig:"ENABLE_MDNS" default:"true"`

	// Process
	MetricsAddr     string        `envconfig:"METRICS_ADDR"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads dotenv files, then the environment, and assigns a run id.
func Load() (*Config, error) {
	for _, name := range EnvFiles {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	cfg.RunID = uuid.NewString()
	return &cfg, nil
}

// Validate checks addresses and required fields.
func (c *Config) Validate() error {
	u, err := url.Parse(c.CoordinatorURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid coordinator url %q", c.CoordinatorURL)
	}
	if strings.TrimSpace(c.WorkerName) == "" {
		return errors.New("worker name is required")
	}
	if c.Topic == "" {
		return errors.New("gossip topic is required")
	}
	if len(c.ListenAddrs) == 0 {
		return errors.New("at least one listen address is required")
	}
	for _, addr := range c.ListenAddrs {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
	}
	for _, addr := range c.BootstrapPeers {
		if _, err := network.ParsePeerAddr(addr); err != nil {
			return err
		}
	}
	if c.HandoffMaxPending < 0 {
		return errors.New("handoff max pending must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Coordinator builds the coordinator client configuration.
func (c *Config) Coordinator() coordinator.Config {
	cfg := coordinator.DefaultConfig(c.CoordinatorURL)
	cfg.RequestTimeout = c.RequestTimeout
	cfg.Retry.MaxRetries = c.MaxRetries
	cfg.Retry.InitialInterval = c.RetryInterval
	cfg.Retry.MaxInterval = c.RetryMaxInterval
	cfg.Breaker.FailureThreshold = c.BreakerThreshold
	cfg.Breaker.OpenTimeout = c.BreakerTimeout
	return cfg
}

// Mesh builds the gossip overlay configuration.
func (c *Config) Mesh() network.MeshConfig {
	cfg := network.DefaultMeshConfig()
	cfg.ListenAddrs = c.ListenAddrs
	cfg.BootstrapPeers = c.BootstrapPeers
	cfg.Topic = c.Topic
	cfg.EnableMDNS = c.EnableMDNS
	return cfg
}

// Worker builds the orchestrator configuration.
func (c *Config) Worker() worker.Config {
	cfg := worker.DefaultConfig(c.WorkerName)
	if len(c.Capabilities) > 0 {
		cfg.Capabilities = c.Capabilities
	}
	cfg.IdleInterval = c.IdleInterval
	cfg.FlushTimeout = c.FlushTimeout
	cfg.MaxPending = c.HandoffMaxPending
	return cfg
}

// ParseLevel maps a level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewLogger builds the root logger.
func (c *Config) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("run_id", c.RunID)
}

// LogConfig prints the effective configuration.
func (c *Config) LogConfig(logger *slog.Logger) {
	logger.Info("configuration",
		"coordinator", c.CoordinatorURL,
		"worker", c.WorkerName,
		"capabilities", c.Capabilities,
		"listen", c.ListenAddrs,
		"bootstrap", len(c.BootstrapPeers),
		"topic", c.Topic,
		"mdns", c.EnableMDNS,
		"idle_interval", c.IdleInterval,
		"request_timeout", c.RequestTimeout,
		"max_retries", c.MaxRetries,
		"handoff_max_pending", c.HandoffMaxPending,
		"metrics_addr", c.MetricsAddr)
}
