// Package syncconfig resolves the sync engine's configuration surface:
// app_id, server_url, and base_dir follow an env-var-then-file-then-default
// precedence chain; get_auth_token, entity metadata, and migrations are
// supplied by the embedding application and passed through verbatim.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcus/localsync/internal/store"
	"github.com/marcus/localsync/internal/sync"
	"github.com/marcus/localsync/internal/syncclient"
)

const defaultServerURL = "http://localhost:8080"

// fileConfig is the on-disk shape at ~/.config/localsync/config.json. Only
// the three string overrides are worth persisting; get_auth_token and the
// syncable column / migration metadata are code, not config.
type fileConfig struct {
	AppID     string `json:"app_id,omitempty"`
	ServerURL string `json:"server_url,omitempty"`
	BaseDir   string `json:"base_dir,omitempty"`
}

// Config is the fully resolved configuration surface of spec.md §6.
type Config struct {
	AppID        string
	ServerURL    string
	BaseDir      string
	GetAuthToken syncclient.TokenSource
	Entities     []sync.EntityMetadata
	Migrations   []store.Migration
}

// ConfigDir returns ~/.config/localsync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "localsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

func loadFile() (fileConfig, error) {
	dir, err := ConfigDir()
	if err != nil {
		return fileConfig{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return fileConfig{}, nil
		}
		return fileConfig{}, err
	}
	var cfg fileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, err
	}
	return cfg, nil
}

// SaveOverrides persists app_id/server_url/base_dir to
// ~/.config/localsync/config.json, for `localsync init --save`.
func SaveOverrides(appID, serverURL, baseDir string) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(fileConfig{AppID: appID, ServerURL: serverURL, BaseDir: baseDir}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Load resolves app_id, server_url, and base_dir with
// env-var > config.json > default precedence, and combines them with the
// application-supplied auth callback, entity metadata, and migrations into
// a ready-to-use Config.
func Load(getAuthToken syncclient.TokenSource, entities []sync.EntityMetadata, migrations []store.Migration) (*Config, error) {
	file, err := loadFile()
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	baseDir := firstNonEmpty(os.Getenv("LOCALSYNC_BASE_DIR"), file.BaseDir)
	if baseDir == "" {
		baseDir, err = defaultBaseDir()
		if err != nil {
			return nil, err
		}
	}

	return &Config{
		AppID:        firstNonEmpty(os.Getenv("LOCALSYNC_APP_ID"), file.AppID),
		ServerURL:    firstNonEmpty(os.Getenv("LOCALSYNC_SERVER_URL"), file.ServerURL, defaultServerURL),
		BaseDir:      baseDir,
		GetAuthToken: getAuthToken,
		Entities:     entities,
		Migrations:   migrations,
	}, nil
}

// OrchestratorOptions projects Config into sync.Options.
func (c *Config) OrchestratorOptions() sync.Options {
	return sync.Options{
		BaseDir:      c.BaseDir,
		AppID:        c.AppID,
		ServerURL:    c.ServerURL,
		GetAuthToken: c.GetAuthToken,
		Entities:     c.Entities,
		Migrations:   c.Migrations,
	}
}

func defaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "localsync"), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
