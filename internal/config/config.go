package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Activation policies for newly registered accounts.
const (
	ActivationImmediate = "immediate" // new accounts start enabled
	ActivationAdmin     = "admin"     // new accounts start pending until enabled
)

// Config represents the main configuration for blobserver.
type Config struct {
	SiteName   string `toml:"site_name"`
	StorageDir string `toml:"storage_dir"`
	ListenAddr string `toml:"listen_addr"`
	LogDir     string `toml:"log_dir"`

	MinPasswordLength int    `toml:"min_password_length"`
	BcryptCost        int    `toml:"bcrypt_cost"`
	DefaultQuota      int64  `toml:"default_quota"` // bytes; 0 means unlimited
	ActivationPolicy  string `toml:"activation_policy"`
}

// NewConfig creates a Config with defaults rooted at the given storage
// directory.
func NewConfig(storageDir string) *Config {
	return &Config{
		SiteName:          "blobserver",
		StorageDir:        storageDir,
		ListenAddr:        "localhost:5009",
		LogDir:            filepath.Join(storageDir, "log"),
		MinPasswordLength: 6,
		BcryptCost:        12,
		DefaultQuota:      100000000,
		ActivationPolicy:  ActivationImmediate,
	}
}

// Validate performs the sanity checks; the server should not start if any
// of these fail.
func (c *Config) Validate() error {
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir has not been set")
	}
	if c.MinPasswordLength <= 4 {
		return fmt.Errorf("min_password_length must be more than 4 characters")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("bcrypt_cost must be between 4 and 31")
	}
	if c.DefaultQuota < 0 {
		return fmt.Errorf("default_quota must not be negative")
	}
	switch c.ActivationPolicy {
	case ActivationImmediate, ActivationAdmin:
	default:
		return fmt.Errorf("activation_policy must be %q or %q", ActivationImmediate, ActivationAdmin)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path and cleans up
// the directory paths.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	if cfg.StorageDir != "" {
		cfg.StorageDir, err = absPath(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
	}
	if cfg.LogDir != "" {
		cfg.LogDir, err = absPath(cfg.LogDir)
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func absPath(path string) (string, error) {
	path = os.ExpandEnv(path)
	if home, err := os.UserHomeDir(); err == nil && len(path) > 1 && path[0] == '~' && path[1] == '/' {
		path = filepath.Join(home, path[2:])
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolving path %s: %w", path, err)
	}
	return abs, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the
// provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
