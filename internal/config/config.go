// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Reasoner     ReasonerConfig     `mapstructure:"reasoner" yaml:"reasoner"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	Blocker      BlockerConfig      `mapstructure:"blocker" yaml:"blocker"`
	Replan       ReplanConfig       `mapstructure:"replan" yaml:"replan"`
	Browser      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
}

// LoggerConfig controls the global structured logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`     // debug, info, warn, error.
	Format      string `mapstructure:"format" yaml:"format"`   // "console" or "json".
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"` // Empty disables the file core.
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // Megabytes before rotation.
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // Days.
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ReasonerConfig configures the language-model client.
type ReasonerConfig struct {
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"` // Override for testing; empty uses the provider default.
	FastModel         string        `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel     string        `mapstructure:"powerful_model" yaml:"powerful_model"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	MaxOutputTokens   int           `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
}

// OrchestratorConfig carries the loop-prevention caps. These are heuristic
// tuning values (see the design notes); they are configuration, not
// constants.
type OrchestratorConfig struct {
	MaxCorrectionAttempts       int `mapstructure:"max_correction_attempts" yaml:"max_correction_attempts"`
	MaxConsecutiveFailures      int `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	MaxSuccessWithoutCompletion int `mapstructure:"max_success_without_completion" yaml:"max_success_without_completion"`
}

// VerificationConfig carries the confidence thresholds the router applies
// to verification results, and the tier toggles.
type VerificationConfig struct {
	ActionSuccessThreshold float64 `mapstructure:"action_success_threshold" yaml:"action_success_threshold"`
	GoalAchievedThreshold  float64 `mapstructure:"goal_achieved_threshold" yaml:"goal_achieved_threshold"`
	SubTaskThreshold       float64 `mapstructure:"sub_task_threshold" yaml:"sub_task_threshold"`
	EnableTier1            bool    `mapstructure:"enable_tier1" yaml:"enable_tier1"`
	EnableTier2            bool    `mapstructure:"enable_tier2" yaml:"enable_tier2"`
}

// BlockerConfig configures the blocker classifier as used by verification.
type BlockerConfig struct {
	MinConfidence     float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
	SkipCookieConsent bool    `mapstructure:"skip_cookie_consent" yaml:"skip_cookie_consent"`
	SkipPageError     bool    `mapstructure:"skip_page_error" yaml:"skip_page_error"`
}

// ReplanConfig configures the re-planning validator.
type ReplanConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

// BrowserConfig configures the live snapshot provider.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	MaxInteractive    int           `mapstructure:"max_interactive" yaml:"max_interactive"` // Cap on extracted interactive elements.
}

// DatabaseConfig configures the Postgres store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn" yaml:"dsn"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// NewDefaultConfig returns a configuration with every knob at its default.
func NewDefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "helmsman",
			MaxSize:     50,
			MaxBackups:  3,
			MaxAge:      14,
		},
		Reasoner: ReasonerConfig{
			FastModel:         "gemini-2.0-flash",
			PowerfulModel:     "gemini-2.5-pro",
			Timeout:           45 * time.Second,
			RequestsPerMinute: 60,
			MaxOutputTokens:   4096,
		},
		Orchestrator: OrchestratorConfig{
			MaxCorrectionAttempts:       3,
			MaxConsecutiveFailures:      3,
			MaxSuccessWithoutCompletion: 5,
		},
		Verification: VerificationConfig{
			ActionSuccessThreshold: 0.7,
			GoalAchievedThreshold:  0.85,
			SubTaskThreshold:       0.7,
			EnableTier1:            true,
			EnableTier2:            true,
		},
		Blocker: BlockerConfig{
			MinConfidence: 0.8,
		},
		Replan: ReplanConfig{
			SimilarityThreshold: 0.7,
		},
		Browser: BrowserConfig{
			Headless:          true,
			NavigationTimeout: 30 * time.Second,
			MaxInteractive:    150,
		},
		Database: DatabaseConfig{
			MaxConns: 8,
		},
	}
}

// Load reads configuration from the given file (or ./config.yaml when
// empty), layered with HELMSMAN_* environment variables, on top of the
// defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("HELMSMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, NewDefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	cfg := NewDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the state machine cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxCorrectionAttempts < 1 {
		return fmt.Errorf("orchestrator.max_correction_attempts must be >= 1")
	}
	if c.Orchestrator.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("orchestrator.max_consecutive_failures must be >= 1")
	}
	if c.Orchestrator.MaxSuccessWithoutCompletion < 1 {
		return fmt.Errorf("orchestrator.max_success_without_completion must be >= 1")
	}
	for name, t := range map[string]float64{
		"verification.action_success_threshold": c.Verification.ActionSuccessThreshold,
		"verification.goal_achieved_threshold":  c.Verification.GoalAchievedThreshold,
		"verification.sub_task_threshold":       c.Verification.SubTaskThreshold,
		"blocker.min_confidence":                c.Blocker.MinConfidence,
		"replan.similarity_threshold":           c.Replan.SimilarityThreshold,
	} {
		if t < 0 || t > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, t)
		}
	}
	return nil
}

// setDefaults registers the default configuration with viper so partial
// config files and env overrides merge cleanly.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("logger.service_name", d.Logger.ServiceName)
	v.SetDefault("logger.max_size", d.Logger.MaxSize)
	v.SetDefault("logger.max_backups", d.Logger.MaxBackups)
	v.SetDefault("logger.max_age", d.Logger.MaxAge)
	v.SetDefault("reasoner.fast_model", d.Reasoner.FastModel)
	v.SetDefault("reasoner.powerful_model", d.Reasoner.PowerfulModel)
	v.SetDefault("reasoner.timeout", d.Reasoner.Timeout)
	v.SetDefault("reasoner.requests_per_minute", d.Reasoner.RequestsPerMinute)
	v.SetDefault("reasoner.max_output_tokens", d.Reasoner.MaxOutputTokens)
	v.SetDefault("orchestrator.max_correction_attempts", d.Orchestrator.MaxCorrectionAttempts)
	v.SetDefault("orchestrator.max_consecutive_failures", d.Orchestrator.MaxConsecutiveFailures)
	v.SetDefault("orchestrator.max_success_without_completion", d.Orchestrator.MaxSuccessWithoutCompletion)
	v.SetDefault("verification.action_success_threshold", d.Verification.ActionSuccessThreshold)
	v.SetDefault("verification.goal_achieved_threshold", d.Verification.GoalAchievedThreshold)
	v.SetDefault("verification.sub_task_threshold", d.Verification.SubTaskThreshold)
	v.SetDefault("verification.enable_tier1", d.Verification.EnableTier1)
	v.SetDefault("verification.enable_tier2", d.Verification.EnableTier2)
	v.SetDefault("blocker.min_confidence", d.Blocker.MinConfidence)
	v.SetDefault("replan.similarity_threshold", d.Replan.SimilarityThreshold)
	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.navigation_timeout", d.Browser.NavigationTimeout)
	v.SetDefault("browser.max_interactive", d.Browser.MaxInteractive)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
}
