package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultClientDir returns the default client directory (~/.tasksync).
func DefaultClientDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".tasksync"), nil
}

// DefaultClientConfigPath returns the default config file path (~/.tasksync/config.yml).
func DefaultClientConfigPath() (string, error) {
	dir, err := DefaultClientDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// ClientConfig holds the CLI client's configuration. UserID is the subject
// the server resolves Token to and is filled in on first use.
type ClientConfig struct {
	ServerURL     string `yaml:"server_url,omitempty"`
	Token         string `yaml:"token,omitempty"`
	OrgID         string `yaml:"org_id,omitempty"`
	UserID        string `yaml:"user_id,omitempty"`
	ClientGroupID string `yaml:"client_group_id,omitempty"`
	ClientID      string `yaml:"client_id,omitempty"`
	// OutboxPath is the SQLite file holding pending mutations. Defaults to
	// outbox.db next to the config file.
	OutboxPath string `yaml:"outbox_path,omitempty"`
}

// Validate checks that the configuration has required fields for syncing.
func (c *ClientConfig) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.OrgID == "" {
		errs = append(errs, errors.New("org_id is required"))
	}
	return errors.Join(errs...)
}

// IsConfigured returns true if the client can reach a server.
func (c *ClientConfig) IsConfigured() bool {
	return c.ServerURL != "" && c.Token != ""
}

// EnsureIdentity assigns a client group and client id on first use. It
// reports whether anything changed.
func (c *ClientConfig) EnsureIdentity() bool {
	changed := false
	if c.ClientGroupID == "" {
		c.ClientGroupID = uuid.NewString()
		changed = true
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
		changed = true
	}
	return changed
}

// ResolveOutboxPath returns OutboxPath, defaulting to a file next to
// configPath.
func (c *ClientConfig) ResolveOutboxPath(configPath string) string {
	if c.OutboxPath != "" {
		return c.OutboxPath
	}
	return filepath.Join(filepath.Dir(configPath), "outbox.db")
}

// LoadClientConfig reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ClientConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *ClientConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file holds a bearer token.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
