// Package config handles Muninn configuration via environment variables.
//
// All settings carry sensible defaults, so LoadFromEnv() can be called with
// nothing set. Variables are prefixed with MUNINN_:
//
//	MUNINN_BACKEND=embedded|badger|neo4j
//	MUNINN_DATA_FILE=./data/graph_data.json
//	MUNINN_AUTO_SAVE=true
//	MUNINN_BACKUP_COUNT=3
//	MUNINN_BADGER_DIR=./data/badger
//	MUNINN_NEO4J_URI=neo4j://localhost:7687
//	MUNINN_NEO4J_USERNAME=neo4j
//	MUNINN_NEO4J_PASSWORD=...
//	MUNINN_NEO4J_DATABASE=neo4j
//	MUNINN_NEO4J_POOL_SIZE=10
//	MUNINN_NEO4J_TIMEOUT=30s
//	MUNINN_HTTP_ADDRESS=0.0.0.0
//	MUNINN_HTTP_PORT=8742
//
// A YAML file can overlay the environment (see LoadFile); explicit file
// values win over environment values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Muninn configuration.
type Config struct {
	// Backend selects the store implementation: embedded, badger, or neo4j.
	Backend string `yaml:"backend"`

	// Embedded holds settings for the JSON-file backend.
	Embedded EmbeddedConfig `yaml:"embedded"`

	// Badger holds settings for the local BadgerDB backend.
	Badger BadgerConfig `yaml:"badger"`

	// Neo4j holds settings for the remote backend.
	Neo4j Neo4jConfig `yaml:"neo4j"`

	// Server holds HTTP API settings.
	Server ServerConfig `yaml:"server"`
}

// EmbeddedConfig configures the embedded JSON-file backend.
type EmbeddedConfig struct {
	// DataFile is the path of the persisted graph document.
	DataFile string `yaml:"data_file"`
	// AutoSave flushes the whole graph after every mutation.
	AutoSave bool `yaml:"auto_save"`
	// BackupCount is the number of rotating .bakN files kept before each
	// overwrite. 0 disables backups.
	BackupCount int `yaml:"backup_count"`
}

// BadgerConfig configures the BadgerDB backend.
type BadgerConfig struct {
	// DataDir is the directory for Badger's value log and tables.
	DataDir string `yaml:"data_dir"`
	// InMemory runs Badger without disk persistence (tests).
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces fsync after each write.
	SyncWrites bool `yaml:"sync_writes"`
}

// Neo4jConfig configures the remote pass-through backend.
type Neo4jConfig struct {
	URI               string        `yaml:"uri"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Database          string        `yaml:"database"`
	MaxPoolSize       int           `yaml:"pool_size"`
	ConnectionTimeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Backend: "embedded",
		Embedded: EmbeddedConfig{
			DataFile:    "data/graph_data.json",
			AutoSave:    true,
			BackupCount: 3,
		},
		Badger: BadgerConfig{
			DataDir: "data/badger",
		},
		Neo4j: Neo4jConfig{
			URI:               "neo4j://localhost:7687",
			Username:          "neo4j",
			Database:          "neo4j",
			MaxPoolSize:       10,
			ConnectionTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         8742,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			EnableCORS:   true,
		},
	}
}

// LoadFromEnv loads configuration from environment variables, applying
// defaults where a variable is not set.
func LoadFromEnv() *Config {
	cfg := Default()

	cfg.Backend = getEnv("MUNINN_BACKEND", cfg.Backend)

	cfg.Embedded.DataFile = getEnv("MUNINN_DATA_FILE", cfg.Embedded.DataFile)
	cfg.Embedded.AutoSave = getEnvBool("MUNINN_AUTO_SAVE", cfg.Embedded.AutoSave)
	cfg.Embedded.BackupCount = getEnvInt("MUNINN_BACKUP_COUNT", cfg.Embedded.BackupCount)

	cfg.Badger.DataDir = getEnv("MUNINN_BADGER_DIR", cfg.Badger.DataDir)
	cfg.Badger.SyncWrites = getEnvBool("MUNINN_BADGER_SYNC_WRITES", cfg.Badger.SyncWrites)

	cfg.Neo4j.URI = getEnv("MUNINN_NEO4J_URI", cfg.Neo4j.URI)
	cfg.Neo4j.Username = getEnv("MUNINN_NEO4J_USERNAME", cfg.Neo4j.Username)
	cfg.Neo4j.Password = getEnv("MUNINN_NEO4J_PASSWORD", cfg.Neo4j.Password)
	cfg.Neo4j.Database = getEnv("MUNINN_NEO4J_DATABASE", cfg.Neo4j.Database)
	cfg.Neo4j.MaxPoolSize = getEnvInt("MUNINN_NEO4J_POOL_SIZE", cfg.Neo4j.MaxPoolSize)
	cfg.Neo4j.ConnectionTimeout = getEnvDuration("MUNINN_NEO4J_TIMEOUT", cfg.Neo4j.ConnectionTimeout)

	cfg.Server.Address = getEnv("MUNINN_HTTP_ADDRESS", cfg.Server.Address)
	cfg.Server.Port = getEnvInt("MUNINN_HTTP_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("MUNINN_HTTP_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("MUNINN_HTTP_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.EnableCORS = getEnvBool("MUNINN_HTTP_CORS", cfg.Server.EnableCORS)

	return cfg
}

// LoadFile overlays a YAML configuration file onto the environment-derived
// configuration. File values win.
func LoadFile(path string) (*Config, error) {
	cfg := LoadFromEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for the selected backend. It returns an
// error describing the first problem found.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "embedded":
		if c.Embedded.DataFile == "" {
			return fmt.Errorf("embedded backend requires a data file path")
		}
		if c.Embedded.BackupCount < 0 {
			return fmt.Errorf("backup count must be >= 0, got %d", c.Embedded.BackupCount)
		}
	case "badger":
		if c.Badger.DataDir == "" && !c.Badger.InMemory {
			return fmt.Errorf("badger backend requires a data directory")
		}
	case "neo4j":
		if c.Neo4j.URI == "" {
			return fmt.Errorf("neo4j backend requires a uri")
		}
		if c.Neo4j.Username == "" {
			return fmt.Errorf("neo4j backend requires a username")
		}
		if c.Neo4j.Password == "" {
			return fmt.Errorf("neo4j backend requires a password")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.Server.Port)
	}
	return nil
}

// WriteTemplate writes a starter YAML configuration to path, refusing to
// overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshaling template: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
