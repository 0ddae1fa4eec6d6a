package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const appName = "mucclient"

// Config represents the main application configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Server   ServerConfig   `toml:"server"`
	Account  AccountConfig  `toml:"account"`
	Session  SessionConfig  `toml:"session"`
	Requests RequestsConfig `toml:"requests"`
	Sync     SyncConfig     `toml:"sync"`
	Logging  LoggingConfig  `toml:"logging"`
	Storage  StorageConfig  `toml:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir     string `toml:"data_dir"`
	AutoConnect bool   `toml:"auto_connect"`
}

// Transport names.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// ServerConfig describes the XMPP server and its MUC service.
type ServerConfig struct {
	Domain     string `toml:"domain"`
	MUCService string `toml:"muc_service"`
	Transport  string `toml:"transport"`
	// Address overrides SRV lookup for the TCP transport (host:port).
	Address        string `toml:"address"`
	WebSocketURL   string `toml:"websocket_url"`
	ResourcePrefix string `toml:"resource_prefix"`
	InsecureTLS    bool   `toml:"insecure_tls"`
}

// AccountConfig holds the credentials. The password may instead be supplied
// through the MUCCLIENT_PASSWORD environment variable.
type AccountConfig struct {
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// SessionConfig holds the room to enter after connecting.
type SessionConfig struct {
	Nick     string `toml:"nick"`
	Room     string `toml:"room"`
	AutoJoin bool   `toml:"auto_join"`
	Show     string `toml:"show"`
	Status   string `toml:"status"`
}

// RequestsConfig tunes IQ requests.
type RequestsConfig struct {
	Timeout Duration `toml:"timeout"`
}

// SyncConfig controls settings synchronization.
type SyncConfig struct {
	// Auto runs an automatic sync after every connect.
	Auto bool `toml:"auto"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// HistoryLimit is the number of messages kept in memory per conversation
	HistoryLimit int `toml:"history_limit"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "",
			AutoConnect: true,
		},
		Server: ServerConfig{
			Transport:      TransportTCP,
			ResourcePrefix: appName,
		},
		Session: SessionConfig{
			AutoJoin: true,
		},
		Requests: RequestsConfig{
			Timeout: Duration{5 * time.Second},
		},
		Sync: SyncConfig{
			Auto: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: StorageConfig{
			HistoryLimit: 500,
		},
	}
}

// Validate checks the settings a connection depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Domain == "" {
		errs = append(errs, errors.New("server.domain is required"))
	}
	if c.Server.MUCService == "" {
		errs = append(errs, errors.New("server.muc_service is required"))
	}
	switch c.Server.Transport {
	case TransportTCP:
	case TransportWebSocket:
		if c.Server.WebSocketURL == "" {
			errs = append(errs, errors.New("server.websocket_url is required for the websocket transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.transport: unknown transport %q", c.Server.Transport))
	}
	if c.Requests.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("requests.timeout must be positive"))
	}
	return errors.Join(errs...)
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	dir := func(env string, fallback ...string) (string, error) {
		base := os.Getenv(env)
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			base = filepath.Join(append([]string{home}, fallback...)...)
		}
		return filepath.Join(base, appName), nil
	}

	configDir, err := dir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return nil, err
	}
	dataDir, err := dir("XDG_DATA_HOME", ".local", "share")
	if err != nil {
		return nil, err
	}
	cacheDir, err := dir("XDG_CACHE_HOME", ".cache")
	if err != nil {
		return nil, err
	}

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	return load(filepath.Join(paths.ConfigDir, "config.toml"), paths.DataDir)
}

// LoadFile loads the configuration from path. Relative data paths default
// to the directory holding the file.
func LoadFile(path string) (*Config, error) {
	return load(path, filepath.Dir(path))
}

func load(configPath, dataDir string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config doesn't exist, use defaults
		cfg.General.DataDir = dataDir
		cfg.Logging.File = filepath.Join(dataDir, appName+".log")
		cfg.applyEnv()
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand paths
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = dataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, appName+".log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	cfg.Server.Transport = strings.ToLower(cfg.Server.Transport)
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if pw := os.Getenv("MUCCLIENT_PASSWORD"); pw != "" {
		c.Account.Password = pw
	}
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	return SaveFile(cfg, filepath.Join(paths.ConfigDir, "config.toml"))
}

// SaveFile writes the configuration to path. The password is never written.
func SaveFile(cfg *Config, path string) error {
	out := *cfg
	out.Account.Password = ""

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(out); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
