package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Device    DeviceConfig    `yaml:"device"`
	Queue     QueueConfig     `yaml:"queue"`
	Retry     RetryConfig     `yaml:"retry_on_pause"`
	Cooldown  CooldownConfig  `yaml:"bed_cooldown"`
	Materials MaterialsConfig `yaml:"materials"`
	Printer   PrinterConfig   `yaml:"printer"`
	Scripts   ScriptsConfig   `yaml:"scripts"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// SecureCookie marks the login cookie HTTPS-only.
	SecureCookie bool `yaml:"secure_cookie"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DeviceConfig points at the OctoPrint instance driving the printer.
type DeviceConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type QueueConfig struct {
	Name               string        `yaml:"name"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	StartTimeout       time.Duration `yaml:"start_timeout"`
	DeactivateOnFinish bool          `yaml:"deactivate_on_finish"`
}

type RetryConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

type CooldownConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Threshold    float64       `yaml:"threshold"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MaterialsConfig struct {
	SelectionEnabled bool `yaml:"selection_enabled"`
}

type PrinterConfig struct {
	Profile string `yaml:"profile"`
}

// ScriptsConfig holds the gcode template run for each lifecycle event.
// Empty entries fall back to the embedded script library.
type ScriptsConfig struct {
	Clearing         string `yaml:"clearing"`
	Cooldown         string `yaml:"cooldown"`
	Finish           string `yaml:"finish"`
	Cancel           string `yaml:"cancel"`
	Resume           string `yaml:"resume"`
	AwaitingMaterial string `yaml:"awaiting_material"`
}

type WebhookConfig struct {
	RetryCount  int           `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	WorkerCount int           `yaml:"worker_count"`
	QueueSize   int           `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/queue.sqlite3",
		},
		Device: DeviceConfig{
			URL:          "http://localhost:5000",
			Timeout:      10 * time.Second,
			PollInterval: 2 * time.Second,
		},
		Queue: QueueConfig{
			Name:               "default",
			TickInterval:       5 * time.Second,
			StartTimeout:       30 * time.Second,
			DeactivateOnFinish: true,
		},
		Retry: RetryConfig{
			Enabled:    false,
			MaxRetries: 3,
			MaxElapsed: time.Hour,
		},
		Cooldown: CooldownConfig{
			Enabled:      false,
			Threshold:    30,
			Timeout:      60 * time.Minute,
			PollInterval: time.Second,
		},
		Printer: PrinterConfig{
			Profile: "Generic",
		},
		Webhooks: WebhookConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 2,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaults()
	cfg.applyScriptDefaults()
	return cfg
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyScriptDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyScriptDefaults()
	return cfg, nil
}

// ApplyEnv overrides fields from CPQ_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CPQ_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("CPQ_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("CPQ_DEVICE_URL"); v != "" {
		c.Device.URL = v
	}

	if v := os.Getenv("CPQ_DEVICE_API_KEY"); v != "" {
		c.Device.APIKey = v
	}

	if v := os.Getenv("CPQ_PRINTER_PROFILE"); v != "" {
		c.Printer.Profile = v
	}

	if v := os.Getenv("CPQ_RETRY_ON_PAUSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Retry.Enabled = b
		}
	}

	if v := os.Getenv("CPQ_MATERIAL_SELECTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Materials.SelectionEnabled = b
		}
	}

	if v := os.Getenv("CPQ_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func (c *Config) applyScriptDefaults() {
	lib, err := ScriptLibrary()
	if err != nil {
		return
	}
	if c.Scripts.Clearing == "" {
		c.Scripts.Clearing = lib["Pause"]
	}
	if c.Scripts.Finish == "" {
		c.Scripts.Finish = lib["Generic Off"]
	}
	if c.Scripts.Cooldown == "" {
		c.Scripts.Cooldown = "; Put script to run before bed cools here\n"
	}
}

// ByEvent returns the script templates keyed by lifecycle event name.
func (s ScriptsConfig) ByEvent() map[string]string {
	return map[string]string{
		"clearing":          s.Clearing,
		"cooldown":          s.Cooldown,
		"finish":            s.Finish,
		"cancel":            s.Cancel,
		"resume":            s.Resume,
		"awaiting_material": s.AwaitingMaterial,
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Device.URL == "" {
		return fmt.Errorf("device url is required")
	}

	if c.Device.PollInterval <= 0 {
		return fmt.Errorf("device poll interval must be positive")
	}

	if c.Queue.Name == "" {
		return fmt.Errorf("queue name is required")
	}

	if c.Queue.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}

	// The driver must see the watcher's completion events before its own
	// idle detection gives up on a print.
	if c.Device.PollInterval >= c.Queue.TickInterval {
		return fmt.Errorf("device poll interval (%s) must be shorter than tick interval (%s)", c.Device.PollInterval, c.Queue.TickInterval)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Retry.MaxElapsed < 0 {
		return fmt.Errorf("max elapsed must be non-negative")
	}

	if c.Cooldown.Enabled {
		if c.Cooldown.Timeout <= 0 {
			return fmt.Errorf("bed cooldown timeout must be positive")
		}
		if c.Cooldown.PollInterval <= 0 {
			return fmt.Errorf("bed cooldown poll interval must be positive")
		}
	}

	if _, err := LookupProfile(c.Printer.Profile); err != nil {
		return err
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
