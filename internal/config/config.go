package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/schaermu/pingsync/internal/checksum"
	"github.com/schaermu/pingsync/internal/protocol"
	"gopkg.in/yaml.v3"
)

// ProgressMode selects the client progress display
type ProgressMode string

const (
	ProgressNone  ProgressMode = "none"
	ProgressFiles ProgressMode = "files"
	ProgressBytes ProgressMode = "bytes"
)

const (
	DefaultPort      = 40001
	DefaultChunkSize = 1024
	DefaultTimeout   = 30 * time.Second
	DefaultRetry     = 30
)

// Config represents the complete pingsync configuration
type Config struct {
	Transfer TransferConfig `yaml:"transfer"`
	Client   ClientConfig   `yaml:"client"`
	Server   ServerConfig   `yaml:"server"`
}

// TransferConfig holds settings both peers must agree on or share
type TransferConfig struct {
	ChunkSize  int64              `yaml:"chunk_size"`
	Timeout    time.Duration      `yaml:"timeout"`
	Sync       *bool              `yaml:"sync"`
	CVSExclude *bool              `yaml:"cvs_exclude"`
	Checksum   checksum.Algorithm `yaml:"checksum"`
	DrainDelay *time.Duration     `yaml:"drain_delay"`
}

// ClientConfig configures the transfer engine
type ClientConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	WorkDir    string        `yaml:"work_dir"`
	MaxWorkers int           `yaml:"max_workers"`
	Retry      int           `yaml:"retry"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Exclude    []string      `yaml:"exclude"`
	Progress   ProgressMode  `yaml:"progress"`
}

// ServerConfig configures the listening side
type ServerConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	Root             string        `yaml:"root"`
	MaxConnections   int           `yaml:"max_connections"`
	AcceptRetries    int           `yaml:"accept_retries"`
	AcceptRetryDelay time.Duration `yaml:"accept_retry_delay"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like fields
func (c *Config) expandEnv() {
	c.Client.Host = os.ExpandEnv(c.Client.Host)
	c.Client.WorkDir = os.ExpandEnv(c.Client.WorkDir)
	c.Server.ListenAddr = os.ExpandEnv(c.Server.ListenAddr)
	c.Server.Root = os.ExpandEnv(c.Server.Root)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Transfer.ChunkSize == 0 {
		c.Transfer.ChunkSize = DefaultChunkSize
	}
	if c.Transfer.Timeout == 0 {
		c.Transfer.Timeout = DefaultTimeout
	}
	if c.Transfer.Sync == nil {
		c.Transfer.Sync = Bool(true)
	}
	if c.Transfer.CVSExclude == nil {
		c.Transfer.CVSExclude = Bool(true)
	}
	if c.Transfer.Checksum == "" {
		c.Transfer.Checksum = checksum.Default
	}
	if c.Transfer.DrainDelay == nil {
		d := time.Second
		c.Transfer.DrainDelay = &d
	}

	if c.Client.Host == "" {
		c.Client.Host = "127.0.0.1"
	}
	if c.Client.Port == 0 {
		c.Client.Port = DefaultPort
	}
	if c.Client.WorkDir == "" {
		c.Client.WorkDir = "."
	}
	if c.Client.MaxWorkers == 0 {
		c.Client.MaxWorkers = runtime.NumCPU() * 4
	}
	if c.Client.Retry == 0 {
		c.Client.Retry = DefaultRetry
	}
	if c.Client.RetryDelay == 0 {
		c.Client.RetryDelay = 500 * time.Millisecond
	}
	if c.Client.Progress == "" {
		c.Client.Progress = ProgressNone
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":" + strconv.Itoa(DefaultPort)
	}
	if c.Server.Root == "" {
		c.Server.Root = "."
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = runtime.NumCPU() * 10
	}
	if c.Server.AcceptRetries == 0 {
		c.Server.AcceptRetries = 3
	}
	if c.Server.AcceptRetryDelay == 0 {
		c.Server.AcceptRetryDelay = 3 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Transfer.ChunkSize < 0 {
		return fmt.Errorf("transfer.chunk_size must be positive: %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.ChunkSize > protocol.MaxChunkSize {
		return fmt.Errorf("transfer.chunk_size must not exceed %d: %d", protocol.MaxChunkSize, c.Transfer.ChunkSize)
	}
	if c.Transfer.Timeout < 0 {
		return fmt.Errorf("transfer.timeout must not be negative")
	}
	if !c.Transfer.Checksum.Valid() {
		return fmt.Errorf("invalid transfer.checksum: %s (must be md5, sha1, sha256, sha512, sha3-256 or sha3-512)", c.Transfer.Checksum)
	}
	if c.Transfer.DrainDelay != nil && *c.Transfer.DrainDelay < 0 {
		return fmt.Errorf("transfer.drain_delay must not be negative")
	}

	if c.Client.Port < 1 || c.Client.Port > 65535 {
		return fmt.Errorf("client.port out of range: %d", c.Client.Port)
	}
	if c.Client.MaxWorkers < 0 {
		return fmt.Errorf("client.max_workers must not be negative")
	}
	if c.Client.Retry < 0 {
		return fmt.Errorf("client.retry must not be negative")
	}
	switch c.Client.Progress {
	case ProgressNone, ProgressFiles, ProgressBytes:
		// valid
	default:
		return fmt.Errorf("invalid client.progress: %s (must be none, files, or bytes)", c.Client.Progress)
	}

	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		return fmt.Errorf("invalid server.listen_addr %q: %w", c.Server.ListenAddr, err)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}

	return nil
}

// Bool returns a pointer to b, for optional switches
func Bool(b bool) *bool {
	return &b
}

// SyncEnabled reports whether ledger-based skipping is on
func (c *Config) SyncEnabled() bool {
	return c.Transfer.Sync == nil || *c.Transfer.Sync
}

// CVSExcludeEnabled reports whether VCS metadata is left out of transfers
func (c *Config) CVSExcludeEnabled() bool {
	return c.Transfer.CVSExclude == nil || *c.Transfer.CVSExclude
}

// Drain returns the graceful close delay
func (c *Config) Drain() time.Duration {
	if c.Transfer.DrainDelay == nil {
		return 0
	}
	return *c.Transfer.DrainDelay
}

// ServerAddr returns host:port of the remote peer
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Client.Host, strconv.Itoa(c.Client.Port))
}

// ClientRoot returns the absolute client work directory
func (c *Config) ClientRoot() (string, error) {
	return filepath.Abs(c.Client.WorkDir)
}

// ServerRoot returns the absolute served directory
func (c *Config) ServerRoot() (string, error) {
	return filepath.Abs(c.Server.Root)
}
