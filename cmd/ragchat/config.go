package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-chat-client/internal/chat"
	"github.com/MegaGrindStone/rag-chat-client/internal/models"
	"gopkg.in/yaml.v3"
)

const (
	configDirName = "ragchat"
	baseURLEnv    = "RAGCHAT_BASE_URL"
)

// config is the yaml file layout. HistoryPath names the bbolt file keeping the conversation:
// empty means next to the config file and "-" disables it.
type config struct {
	BaseURL       string            `yaml:"baseURL"`
	UserID        string            `yaml:"userID"`
	Listen        string            `yaml:"listen"`
	HistoryPath   string            `yaml:"historyPath"`
	DefaultMode   models.SearchMode `yaml:"defaultMode"`
	UnifyReplyIDs bool              `yaml:"unifyReplyIDs"`
	LogLevel      string            `yaml:"logLevel"`
	Reconnect     reconnectConfig   `yaml:"reconnect"`
	HTTP          httpConfig        `yaml:"http"`
}

type reconnectConfig struct {
	ErrorDelay  time.Duration `yaml:"errorDelay"`
	SetupDelay  time.Duration `yaml:"setupDelay"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

type httpConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

func defaultConfig() config {
	retry := chat.DefaultRetryPolicy()
	return config{
		Listen:      "127.0.0.1:8081",
		DefaultMode: models.SearchModeNormal,
		LogLevel:    "info",
		Reconnect: reconnectConfig{
			ErrorDelay: retry.ErrorDelay,
			SetupDelay: retry.SetupDelay,
		},
		HTTP: httpConfig{
			ConnectTimeout: 30 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
	}
}

// UnmarshalYAML fills the fields missing from the document with their defaults.
func (c *config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig config

	raw := rawConfig(defaultConfig())
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = config(raw)

	if c.Reconnect.ErrorDelay < 0 || c.Reconnect.SetupDelay < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect maxAttempts must not be negative")
	}
	if c.HTTP.ConnectTimeout < 0 || c.HTTP.RequestTimeout < 0 {
		return fmt.Errorf("http timeouts must not be negative")
	}

	return nil
}

// loadConfig reads the configuration file at path. A missing file is not an error, the defaults are used instead.
// The base url falls back to the RAGCHAT_BASE_URL environment variable.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv(baseURLEnv)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}

	return cfg, nil
}

func (c config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseURL is required, set it in the config file or with %s", baseURLEnv)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid baseURL %q: scheme must be http or https", c.BaseURL)
	}
	if strings.TrimSpace(c.UserID) != c.UserID {
		return fmt.Errorf("userID must not have surrounding spaces")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c config) retryPolicy() chat.RetryPolicy {
	return chat.RetryPolicy{
		ErrorDelay:  c.Reconnect.ErrorDelay,
		SetupDelay:  c.Reconnect.SetupDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

func (c config) historyFile(configPath string) string {
	switch c.HistoryPath {
	case "-":
		return ""
	case "":
		return filepath.Join(filepath.Dir(configPath), "history.db")
	}
	return c.HistoryPath
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", configDirName, "config.yaml")
	}
	return filepath.Join(dir, configDirName, "config.yaml")
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
