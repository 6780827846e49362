// Package config loads and validates crawlstream configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	API      APIConfig      `mapstructure:"api"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Session  SessionConfig  `mapstructure:"session"`
	Busy     BusyConfig     `mapstructure:"busy"`
	Progress ProgressConfig `mapstructure:"progress"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the presentation HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig points at the crawl backend.
type APIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	SubmitPath   string        `mapstructure:"submit_path"`
	ContentPath  string        `mapstructure:"content_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   uint64        `mapstructure:"max_retries"`
	RetryInitial time.Duration `mapstructure:"retry_initial"`
}

// SocketConfig tunes result stream connections. BaseURL defaults to
// api.base_url.
type SocketConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	QueueWhileClosed bool          `mapstructure:"queue_while_closed"`
	SendQueueSize    int           `mapstructure:"send_queue_size"`
	MessageBuffer    int           `mapstructure:"message_buffer"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit"`
}

// SessionConfig tunes the orchestrator.
type SessionConfig struct {
	FetchConcurrency  int      `mapstructure:"fetch_concurrency"`
	FailedFetchPolicy string   `mapstructure:"failed_fetch_policy"`
	ResultFields      []string `mapstructure:"result_fields"`
	CompletionTypes   []string `mapstructure:"completion_types"`
}

// BusyConfig tunes the busy transport.
type BusyConfig struct {
	ReleaseDelay time.Duration `mapstructure:"release_delay"`
}

// ProgressConfig tunes the session event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// StorageConfig selects where exported reports are written.
type StorageConfig struct {
	// Backend is memory, local or gcs.
	Backend      string `mapstructure:"backend"`
	Prefix       string `mapstructure:"prefix"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// DBConfig controls session history persistence. An empty DSN keeps history
// in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig enables finished-session notifications when ProjectID is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features. Level is a zap level name.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Socket.BaseURL == "" {
		cfg.Socket.BaseURL = cfg.API.BaseURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.submit_path", "/crawler")
	v.SetDefault("api.content_path", "/crawl/get/content")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.retry_initial", "250ms")
	v.SetDefault("socket.base_url", "")
	v.SetDefault("socket.ping_interval", "20s")
	v.SetDefault("socket.reconnect_delay", "2s")
	v.SetDefault("socket.max_reconnects", 0)
	v.SetDefault("socket.queue_while_closed", false)
	v.SetDefault("socket.send_queue_size", 64)
	v.SetDefault("socket.message_buffer", 64)
	v.SetDefault("socket.handshake_timeout", "10s")
	v.SetDefault("socket.write_timeout", "10s")
	v.SetDefault("socket.read_limit", 1<<20)
	v.SetDefault("session.fetch_concurrency", 4)
	v.SetDefault("session.failed_fetch_policy", "marker")
	v.SetDefault("session.result_fields", []string{"file_path"})
	v.SetDefault("session.completion_types", []string{"crawl_completed"})
	v.SetDefault("busy.release_delay", "500ms")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.local_dir", "reports")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_sessions")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "crawl-sessions")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := validateBaseURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.Socket.BaseURL != "" {
		if err := validateBaseURL("socket.base_url", c.Socket.BaseURL, "http", "https", "ws", "wss"); err != nil {
			return err
		}
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}
	if c.Socket.PingInterval <= 0 {
		return fmt.Errorf("socket.ping_interval must be > 0")
	}
	if c.Socket.ReconnectDelay <= 0 {
		return fmt.Errorf("socket.reconnect_delay must be > 0")
	}
	if c.Socket.MaxReconnects < 0 {
		return fmt.Errorf("socket.max_reconnects must be >= 0")
	}
	if c.Session.FetchConcurrency <= 0 {
		return fmt.Errorf("session.fetch_concurrency must be > 0")
	}
	switch c.Session.FailedFetchPolicy {
	case "marker", "drop":
	default:
		return fmt.Errorf("session.failed_fetch_policy must be marker or drop, got %q", c.Session.FailedFetchPolicy)
	}
	if c.Busy.ReleaseDelay < 0 {
		return fmt.Errorf("busy.release_delay must be >= 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

func validateBaseURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s url, got %q", key, strings.Join(schemes, "/"), raw)
}
