package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/andreyvit/syncdb"
	"github.com/andreyvit/syncdb/listener"
)

// Config is the YAML configuration file of the daemon.
type Config struct {
	Dir              string       `yaml:"dir"`
	Database         string       `yaml:"db"`
	Port             int          `yaml:"port"`
	NetworkInterface string       `yaml:"interface,omitempty"`
	ReadOnly         bool         `yaml:"read_only,omitempty"`
	Collections      []string     `yaml:"collections,omitempty"`
	LogLevel         string       `yaml:"log_level,omitempty"`
	TLS              *TLSConfig   `yaml:"tls,omitempty"`
	Users            []UserConfig `yaml:"users,omitempty"`

	// PasswordEnv names the environment variable holding the password the
	// database is encrypted with.
	PasswordEnv string `yaml:"password_env,omitempty"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`
}

type UserConfig struct {
	Name     string                `yaml:"name"`
	Channels []string              `yaml:"channels,omitempty"`
	Password listener.PasswordHash `yaml:"password"`
}

const defaultPort = 4984

func defaultConfig() *Config {
	return &Config{
		Dir:      ".",
		Database: "db",
		Port:     defaultPort,
		LogLevel: "info",
	}
}

// loadConfig reads path; a missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Clean(path))
}

func (cfg *Config) userStore() (*listener.UserStore, error) {
	if len(cfg.Users) == 0 {
		return nil, nil
	}
	store := listener.NewUserStore()
	for _, u := range cfg.Users {
		if err := store.AddUserWithHash(u.Name, u.Password, u.Channels); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// setUser adds or replaces a user.
func (cfg *Config) setUser(u UserConfig) {
	for i := range cfg.Users {
		if cfg.Users[i].Name == u.Name {
			cfg.Users[i] = u
			return
		}
	}
	cfg.Users = append(cfg.Users, u)
}

func (cfg *Config) removeUser(name string) bool {
	for i := range cfg.Users {
		if cfg.Users[i].Name == name {
			cfg.Users = append(cfg.Users[:i], cfg.Users[i+1:]...)
			return true
		}
	}
	return false
}

func (cfg *Config) dbOptions() (syncdb.Options, error) {
	opt := syncdb.Options{Directory: cfg.Dir}
	if cfg.PasswordEnv != "" {
		pw := os.Getenv(cfg.PasswordEnv)
		if pw == "" {
			return opt, fmt.Errorf("%s is not set", cfg.PasswordEnv)
		}
		opt.EncryptionKey = syncdb.DeriveEncryptionKey(pw)
	}
	return opt, nil
}
