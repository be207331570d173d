package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Body mirroring policies.
const (
	BodiesEager = "eager" // mirror bodies for newly-added envelopes during sync
	BodiesLazy  = "lazy"  // fetch a body on first read, then keep it
	BodiesOff   = "off"   // never fetch on demand; absent bodies are forwarded
)

// AccountConfig holds the connection settings for a single mail account.
// The IMAP password is not stored here; it lives in the system keyring
// under the account name.
type AccountConfig struct {
	// Name is the account identifier, shared with the upstream client.
	Name string `mapstructure:"name" yaml:"name"`

	// Backend labels the remote protocol (currently always "imap").
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Host and Port locate the IMAP server.
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// TLS selects implicit TLS; when false, STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Username is the IMAP login name.
	Username string `mapstructure:"username" yaml:"username"`

	// Default marks the account used when no -a/--account is given.
	Default bool `mapstructure:"default" yaml:"default"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	// Parallel bounds how many accounts sync concurrently.
	Parallel int `mapstructure:"parallel" yaml:"parallel"`

	// Bodies is the body mirroring policy: eager, lazy, or off.
	Bodies string `mapstructure:"bodies" yaml:"bodies"`
}

// UpstreamConfig locates the upstream mail client used for forwarding.
type UpstreamConfig struct {
	Binary string `mapstructure:"binary" yaml:"binary"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	// DataDir is where per-account mirror databases live.
	DataDir  string          `mapstructure:"data_dir" yaml:"data_dir"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Upstream UpstreamConfig  `mapstructure:"upstream" yaml:"upstream"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
}

// Account returns the named account, or the default account when name
// is empty.
func (c *AppConfig) Account(name string) (*AccountConfig, bool) {
	if name == "" {
		for i := range c.Accounts {
			if c.Accounts[i].Default {
				return &c.Accounts[i], true
			}
		}
		if len(c.Accounts) == 1 {
			return &c.Accounts[0], true
		}
		return nil, false
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailmirror/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailmirror", "config.yaml")
}

// defaultDataDir returns the default mirror database directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailmirror")
	}
	return filepath.Join(home, ".local", "share", "mailmirror")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DataDir:  defaultDataDir(),
		Accounts: []AccountConfig{},
		Sync: SyncConfig{
			Parallel: 2,
			Bodies:   BodiesLazy,
		},
		Upstream: UpstreamConfig{Binary: "himalaya"},
		Log:      LogConfig{Level: "warn"},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("sync.parallel", 2)
	v.SetDefault("sync.bodies", BodiesLazy)
	v.SetDefault("upstream.binary", "himalaya")
	v.SetDefault("log.level", "warn")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		if cfg.Accounts[i].Backend == "" {
			cfg.Accounts[i].Backend = "imap"
		}
		if cfg.Accounts[i].Port == 0 {
			if cfg.Accounts[i].TLS {
				cfg.Accounts[i].Port = 993
			} else {
				cfg.Accounts[i].Port = 143
			}
		}
	}
	if cfg.Sync.Parallel < 1 {
		cfg.Sync.Parallel = 1
	}
	switch cfg.Sync.Bodies {
	case BodiesEager, BodiesLazy, BodiesOff:
	default:
		return nil, fmt.Errorf("config %s: invalid sync.bodies %q", path, cfg.Sync.Bodies)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("data_dir", cfg.DataDir)
	v.Set("accounts", cfg.Accounts)
	v.Set("sync", cfg.Sync)
	v.Set("upstream", cfg.Upstream)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
