package config

import (
	"time"

	"github.com/vietddude/shepherd/internal/engine/grpcengine"
	"github.com/vietddude/shepherd/internal/fault/breaker"
	"github.com/vietddude/shepherd/internal/fault/health"
	"github.com/vietddude/shepherd/internal/fault/isolation"
	"github.com/vietddude/shepherd/internal/fault/recovery"
	journalpg "github.com/vietddude/shepherd/internal/infra/journal/postgres"
	redisclient "github.com/vietddude/shepherd/internal/infra/redis"
	"github.com/vietddude/shepherd/internal/source"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Engine    EngineConfig       `yaml:"engine"`
	Sources   source.Config      `yaml:"sources"`
	Breaker   breaker.Config     `yaml:"breaker"`
	Recovery  recovery.Config    `yaml:"recovery"`
	Health    health.Config      `yaml:"health"`
	Isolation isolation.Config   `yaml:"isolation"`
	Redis     redisclient.Config `yaml:"redis"`
	Database  journalpg.Config   `yaml:"database"`
	Journal   JournalConfig      `yaml:"journal"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// EngineConfig selects and tunes the media engine backend.
type EngineConfig struct {
	Backend string            `yaml:"backend"` // grpc, sim
	GRPC    grpcengine.Config `yaml:"grpc"`
}

// JournalConfig tunes event retention. Capacity bounds the in-memory journal
// used when no database is set; retention prunes either backend.
type JournalConfig struct {
	Capacity  int           `yaml:"capacity"`
	Retention time.Duration `yaml:"retention"` // 0 = keep forever
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
