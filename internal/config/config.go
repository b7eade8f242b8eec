// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Environment EnvironmentConfig `mapstructure:"environment" yaml:"environment"`
	Oracle      OracleConfig      `mapstructure:"oracle" yaml:"oracle"`
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Training    TrainingConfig    `mapstructure:"training" yaml:"training"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Scanner     ScannerConfig     `mapstructure:"scanner" yaml:"scanner"`
	Tools       ToolsConfig       `mapstructure:"tools" yaml:"tools"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath string   `mapstructure:"exec_path" yaml:"exec_path"`
	Args     []string `mapstructure:"args" yaml:"args"`
	// Viewport dimensions also bound the screenshot captured for observations.
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	PostActionWait    time.Duration `mapstructure:"post_action_wait" yaml:"post_action_wait"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// EnvironmentConfig carries the exploration environment construction parameters.
type EnvironmentConfig struct {
	StartURL       string        `mapstructure:"start_url" yaml:"start_url"`
	MaxSteps       int           `mapstructure:"max_steps" yaml:"max_steps"`
	ProbeBlind     bool          `mapstructure:"probe_blind" yaml:"probe_blind"`
	BlindThreshold time.Duration `mapstructure:"blind_threshold" yaml:"blind_threshold"`
}

// OracleConfig points at the payload catalog and the known-error signature file.
type OracleConfig struct {
	PayloadsFile string `mapstructure:"payloads_file" yaml:"payloads_file"`
	ErrorsFile   string `mapstructure:"errors_file" yaml:"errors_file"`
	// LearnMode is one of "off", "placeholder" or "context".
	LearnMode string `mapstructure:"learn_mode" yaml:"learn_mode"`
	Follow    bool   `mapstructure:"follow" yaml:"follow"`
}

// AgentConfig holds the hyperparameters of the learning agent.
type AgentConfig struct {
	Gamma           float64 `mapstructure:"gamma" yaml:"gamma"`
	LearningRate    float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	BatchSize       int     `mapstructure:"batch_size" yaml:"batch_size"`
	BufferCapacity  int     `mapstructure:"buffer_capacity" yaml:"buffer_capacity"`
	EpsilonStart    float64 `mapstructure:"epsilon_start" yaml:"epsilon_start"`
	EpsilonDecay    float64 `mapstructure:"epsilon_decay" yaml:"epsilon_decay"`
	EpsilonMin      float64 `mapstructure:"epsilon_min" yaml:"epsilon_min"`
	TargetSyncEvery int     `mapstructure:"target_sync_every" yaml:"target_sync_every"`
	DoubleQ         bool    `mapstructure:"double_q" yaml:"double_q"`
	HiddenUnits     int     `mapstructure:"hidden_units" yaml:"hidden_units"`
	Seed            int64   `mapstructure:"seed" yaml:"seed"`
}

// TrainingConfig drives the episode loop.
type TrainingConfig struct {
	Episodes        int      `mapstructure:"episodes" yaml:"episodes"`
	CheckpointEvery int      `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	Targets         []string `mapstructure:"targets" yaml:"targets"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `mapstructure:"driver" yaml:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url"`
}

// ScannerConfig tunes the HTTP and batch form scanner.
type ScannerConfig struct {
	// Mode is "http" or "browser".
	Mode           string        `mapstructure:"mode" yaml:"mode"`
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	BlindThreshold time.Duration `mapstructure:"blind_threshold" yaml:"blind_threshold"`
	Insecure       bool          `mapstructure:"insecure" yaml:"insecure"`
}

// ToolsConfig locates the external scanning and exploitation tools.
type ToolsConfig struct {
	GobusterPath string        `mapstructure:"gobuster_path" yaml:"gobuster_path"`
	SqlmapPath   string        `mapstructure:"sqlmap_path" yaml:"sqlmap_path"`
	Wordlist     string        `mapstructure:"wordlist" yaml:"wordlist"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Workers      int           `mapstructure:"workers" yaml:"workers"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sqlpaf")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.navigation_timeout", "10s")
	v.SetDefault("browser.action_timeout", "5s")
	v.SetDefault("browser.post_action_wait", "1s")
	v.SetDefault("browser.ignore_tls_errors", true)

	// -- Environment --
	v.SetDefault("environment.start_url", "http://quotes.toscrape.com")
	v.SetDefault("environment.max_steps", 100)
	v.SetDefault("environment.probe_blind", true)
	v.SetDefault("environment.blind_threshold", "4s")

	// -- Oracle --
	v.SetDefault("oracle.payloads_file", "bin/payloads/sql_payloads.txt")
	v.SetDefault("oracle.errors_file", "bin/payloads/sql_errors.txt")
	v.SetDefault("oracle.learn_mode", "context")
	v.SetDefault("oracle.follow", false)

	// -- Agent --
	v.SetDefault("agent.gamma", 0.95)
	v.SetDefault("agent.learning_rate", 1e-4)
	v.SetDefault("agent.batch_size", 32)
	v.SetDefault("agent.buffer_capacity", 10000)
	v.SetDefault("agent.epsilon_start", 1.0)
	v.SetDefault("agent.epsilon_decay", 0.995)
	v.SetDefault("agent.epsilon_min", 0.1)
	v.SetDefault("agent.target_sync_every", 1000)
	v.SetDefault("agent.double_q", true)
	v.SetDefault("agent.hidden_units", 64)
	v.SetDefault("agent.seed", 0)

	// -- Training --
	v.SetDefault("training.episodes", 10)
	v.SetDefault("training.checkpoint_every", 5)

	// -- Store --
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "sqlpaf.db")

	// -- Scanner --
	v.SetDefault("scanner.mode", "http")
	v.SetDefault("scanner.concurrency", 5)
	v.SetDefault("scanner.rate_limit", 10.0)
	v.SetDefault("scanner.request_timeout", "10s")
	v.SetDefault("scanner.blind_threshold", "4s")
	v.SetDefault("scanner.insecure", true)

	// -- Tools --
	v.SetDefault("tools.gobuster_path", "/usr/bin/gobuster")
	v.SetDefault("tools.sqlmap_path", "/usr/bin/sqlmap")
	v.SetDefault("tools.timeout", "60s")
	v.SetDefault("tools.workers", 5)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("store.postgres_url", "SQLPAF_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading "~" in every configured file path.
func (c *Config) ExpandPaths() error {
	paths := []*string{
		&c.Logger.LogFile,
		&c.Oracle.PayloadsFile,
		&c.Oracle.ErrorsFile,
		&c.Store.SQLitePath,
		&c.Tools.Wordlist,
		&c.Tools.GobusterPath,
		&c.Tools.SqlmapPath,
		&c.Browser.ExecPath,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Environment.MaxSteps <= 0 {
		return fmt.Errorf("environment.max_steps must be a positive integer")
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	switch strings.ToLower(c.Oracle.LearnMode) {
	case "off", "placeholder", "context":
	default:
		return fmt.Errorf("oracle.learn_mode must be one of off, placeholder, context")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for the postgres driver (SQLPAF_DATABASE_URL)")
		}
	default:
		return fmt.Errorf("unknown store.driver: %s", c.Store.Driver)
	}
	switch strings.ToLower(c.Scanner.Mode) {
	case "http", "browser":
	default:
		return fmt.Errorf("scanner.mode must be http or browser")
	}
	if c.Scanner.Concurrency <= 0 {
		return fmt.Errorf("scanner.concurrency must be a positive integer")
	}
	if c.Tools.Workers <= 0 {
		return fmt.Errorf("tools.workers must be a positive integer")
	}
	// Page stabilization must not be able to pass for a slow response.
	for _, bt := range []struct {
		key       string
		threshold time.Duration
	}{
		{"environment.blind_threshold", c.Environment.BlindThreshold},
		{"scanner.blind_threshold", c.Scanner.BlindThreshold},
	} {
		if bt.threshold > 0 && c.Browser.PostActionWait >= bt.threshold {
			return fmt.Errorf("browser.post_action_wait (%s) must be shorter than %s (%s)", c.Browser.PostActionWait, bt.key, bt.threshold)
		}
	}
	return nil
}

// Validate checks the learning hyperparameters.
func (a *AgentConfig) Validate() error {
	if a.Gamma < 0 || a.Gamma > 1 {
		return fmt.Errorf("gamma must be between 0.0 and 1.0")
	}
	if a.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive")
	}
	if a.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if a.BufferCapacity < a.BatchSize {
		return fmt.Errorf("buffer_capacity (%d) must hold at least one batch (%d)", a.BufferCapacity, a.BatchSize)
	}
	if a.EpsilonMin < 0 || a.EpsilonStart > 1 || a.EpsilonMin > a.EpsilonStart {
		return fmt.Errorf("epsilon bounds must satisfy 0 <= epsilon_min <= epsilon_start <= 1")
	}
	if a.EpsilonDecay <= 0 || a.EpsilonDecay > 1 {
		return fmt.Errorf("epsilon_decay must be in (0, 1]")
	}
	if a.TargetSyncEvery <= 0 {
		return fmt.Errorf("target_sync_every must be positive")
	}
	if a.HiddenUnits <= 0 {
		return fmt.Errorf("hidden_units must be positive")
	}
	return nil
}
