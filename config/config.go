package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS files for the ensemble client connection.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// EnsembleConfig describes how to reach the ZooKeeper ensemble.
type EnsembleConfig struct {
	Host           string    `yaml:"host"`
	Port           int       `yaml:"port"`
	SessionTimeout string    `yaml:"session_timeout"`
	ConnectTimeout string    `yaml:"connect_timeout"`
	CommandTimeout string    `yaml:"command_timeout"`
	Username       string    `yaml:"username"`
	Password       string    `yaml:"password"`
	TLS            TLSConfig `yaml:"tls"`
}

// BackupConfig holds the orchestrator settings.
type BackupConfig struct {
	StorageDir string `yaml:"storage_dir"`
	TmpDir     string `yaml:"tmp_dir"`
	RecoverDir string `yaml:"recover_dir"`
	StorePort  int    `yaml:"store_port"`
	// Basic auth credentials for the store side-car, if it requires them.
	StoreUsername string `yaml:"store_username"`
	StorePassword string `yaml:"store_password"`
	PVType        string `yaml:"pv_type"`
	Compression   string `yaml:"compression"` // "deflate", "store" or "zstd"
	LockTimeout   string `yaml:"lock_timeout"`
	// Command run after transactional files were placed in the recover dir.
	RestartCommand []string `yaml:"restart_command"`
	// Path of the JSON-lines operation journal, empty disables it.
	JournalFile string `yaml:"journal_file"`
}

// ServerConfig holds the store side-car settings.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// Directory holding the ensemble member's data files.
	SourceDir string `yaml:"source_dir"`
	// Directory the data files are copied into, shared with the backup daemon.
	DestinationDir  string `yaml:"destination_dir"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// Address of the pprof and statsviz listener; empty disables it.
	DebugAddress string `yaml:"debug_address"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// SecurityConfig holds the store side-car basic auth settings.
type SecurityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	UserFilePath string `yaml:"user_file_path"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Ensemble EnsembleConfig `yaml:"ensemble"`
	Backup   BackupConfig   `yaml:"backup"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// SharedStorage reports whether the backup storage is a filesystem shared
// with the ensemble members, which transactional backups require.
func (c *Config) SharedStorage() bool {
	return c.Backup.PVType != "" && c.Backup.PVType != "standalone"
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

func defaults() *Config {
	return &Config{
		Ensemble: EnsembleConfig{
			Host:           "zookeeper",
			Port:           2181,
			SessionTimeout: "10s",
			ConnectTimeout: "15s",
			CommandTimeout: "5s",
			TLS: TLSConfig{
				CAFile:   "/tls/ca.crt",
				CertFile: "/tls/tls.crt",
				KeyFile:  "/tls/tls.key",
			},
		},
		Backup: BackupConfig{
			StorageDir:  "/opt/zookeeper/backup-storage",
			TmpDir:      "/opt/zookeeper/backup-storage/tmp",
			RecoverDir:  "/opt/zookeeper/backup-storage/recover",
			StorePort:   8081,
			Compression: "deflate",
			LockTimeout: "30s",
		},
		Server: ServerConfig{
			ListenAddress:   ":8081",
			SourceDir:       "/var/opt/zookeeper/data/version-2",
			DestinationDir:  "/opt/zookeeper/backup-storage/tmp",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "zkbackup.log",
		},
		Security: SecurityConfig{
			Enabled:      false,
			UserFilePath: "users.db",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Environment variables understood by ApplyEnv.
const (
	EnvHost      = "ZOOKEEPER_HOST"
	EnvPort      = "ZOOKEEPER_PORT"
	EnvUsername  = "ZOOKEEPER_ADMIN_USERNAME"
	EnvPassword  = "ZOOKEEPER_ADMIN_PASSWORD"
	EnvEnableSSL = "ZOOKEEPER_ENABLE_SSL"
	EnvPVType    = "PV_TYPE"
	EnvDebug     = "ZOOKEEPER_BACKUP_DAEMON_DEBUG"
)

// ApplyEnv overrides settings from the environment. lookup has the
// signature of os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok && v != "" {
		c.Ensemble.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s %q", EnvPort, v)
		}
		c.Ensemble.Port = port
	}
	if v, ok := lookup(EnvUsername); ok {
		c.Ensemble.Username = v
	}
	if v, ok := lookup(EnvPassword); ok {
		c.Ensemble.Password = v
	}
	if v, ok := lookup(EnvEnableSSL); ok && v != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvEnableSSL, v, err)
		}
		c.Ensemble.TLS.Enabled = enabled
	}
	if v, ok := lookup(EnvPVType); ok {
		c.Backup.PVType = v
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		if debug, err := strconv.ParseBool(v); err == nil && debug {
			c.Logging.Level = "debug"
		}
	}
	return nil
}
