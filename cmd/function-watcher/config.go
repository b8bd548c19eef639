package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fnwatcher/internal/common/cache"
	"fnwatcher/internal/common/mq"
	"fnwatcher/internal/common/storage"
	"fnwatcher/internal/watcher/handler"
	"fnwatcher/internal/watcher/notify"
	"fnwatcher/internal/watcher/process"
	"fnwatcher/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultFunctionDir   = "/app/function"
	defaultIORoot        = "/app/io"
	defaultRunsLimit     = 1
	defaultMaxInputSize  = 100 * 1024 * 1024
	defaultWatchInterval = 500 * time.Millisecond
	defaultHookTimeout   = 5 * time.Second
	defaultStatusTTL     = 24 * time.Hour
	defaultArchivePrefix = "runs"
)

// ServerConfig holds HTTP server settings. WriteTimeout stays zero unless
// set, sync runs stream for as long as the handler runs.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// WatcherConfig holds run execution settings.
type WatcherConfig struct {
	FunctionDir       string        `yaml:"functionDir"`
	ConfigFile        string        `yaml:"configFile"`
	IORoot            string        `yaml:"ioRoot"`
	ParallelRunsLimit int           `yaml:"parallelRunsLimit"`
	MaxOutputSize     int64         `yaml:"maxOutputSize"`
	MaxBufferSize     int           `yaml:"maxBufferSize"`
	MaxInputSize      int64         `yaml:"maxInputSize"`
	KillGrace         time.Duration `yaml:"killGrace"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	WatchInterval     time.Duration `yaml:"watchInterval"`
}

// RedisConfig adds status persistence settings to the client options.
type RedisConfig struct {
	cache.RedisConfig `yaml:",inline"`
	StatusTTL         time.Duration `yaml:"statusTTL"`
}

// ArchiveConfig holds report archive settings. Archiving is off while the
// MinIO endpoint is empty.
type ArchiveConfig struct {
	storage.MinIOConfig `yaml:",inline"`
	Timeout             time.Duration `yaml:"timeout"`
}

// AppConfig holds function-watcher config.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Logger   logger.Config  `yaml:"logger"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Notifier notify.Config  `yaml:"notifier"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    mq.KafkaConfig `yaml:"kafka"`
	MinIO    ArchiveConfig  `yaml:"minio"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads path when it exists. A missing file at the default
// location runs the watcher on defaults alone.
func loadAppConfig(path string, required bool) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	w := &cfg.Watcher
	if w.FunctionDir == "" {
		w.FunctionDir = defaultFunctionDir
	}
	if w.ConfigFile == "" {
		w.ConfigFile = handler.DefaultConfigFile
	}
	if w.IORoot == "" {
		w.IORoot = defaultIORoot
	}
	if w.ParallelRunsLimit <= 0 {
		w.ParallelRunsLimit = defaultRunsLimit
	}
	if w.MaxOutputSize <= 0 {
		w.MaxOutputSize = process.DefaultMaxOutputSize
	}
	if w.MaxBufferSize <= 0 {
		w.MaxBufferSize = process.DefaultMaxBufferSize
	}
	if w.MaxInputSize <= 0 {
		w.MaxInputSize = defaultMaxInputSize
	}
	if w.KillGrace <= 0 {
		w.KillGrace = process.DefaultKillGrace
	}
	if w.WatchInterval <= 0 {
		w.WatchInterval = defaultWatchInterval
	}

	n := &cfg.Notifier
	n.Driver = strings.ToLower(strings.TrimSpace(n.Driver))
	if n.Driver == "" {
		n.Driver = notify.DriverNone
	}
	if n.Timeout <= 0 {
		n.Timeout = defaultHookTimeout
	}
	switch n.Driver {
	case notify.DriverNone:
	case notify.DriverRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required by the redis notifier")
		}
	case notify.DriverKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required by the kafka notifier")
		}
	default:
		return fmt.Errorf("unknown notifier driver %q", n.Driver)
	}
	if n.Driver != notify.DriverNone && n.Channel == "" {
		return fmt.Errorf("notifier channel is required")
	}

	applyRedisDefaults(&cfg.Redis.RedisConfig)
	if cfg.Redis.StatusTTL <= 0 {
		cfg.Redis.StatusTTL = defaultStatusTTL
	}

	if cfg.MinIO.Endpoint != "" && cfg.MinIO.Bucket == "" {
		return fmt.Errorf("minio bucket is required when archiving is enabled")
	}
	if cfg.MinIO.Prefix == "" {
		cfg.MinIO.Prefix = defaultArchivePrefix
	}
	if cfg.MinIO.Timeout <= 0 {
		cfg.MinIO.Timeout = defaultHookTimeout
	}
	return nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}
