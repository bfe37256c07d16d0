package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shelfsight/shelfscan/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Run        RunConfig        `yaml:"run" mapstructure:"run"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Executors  []ExecutorConfig `yaml:"executors" mapstructure:"executors"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Comparator ComparatorConfig `yaml:"comparator" mapstructure:"comparator"`
	Schema     SchemaConfig     `yaml:"schema" mapstructure:"schema"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// RunConfig holds the per-run targets, budget ceilings, and iteration
// thresholds.
type RunConfig struct {
	TargetAccuracy     float64 `yaml:"target_accuracy" mapstructure:"target_accuracy"` // (0,1]
	MaxIterations      int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	MaxCostUSD         float64 `yaml:"max_cost_usd" mapstructure:"max_cost_usd"`
	MaxTimeSecs        int     `yaml:"max_time_seconds" mapstructure:"max_time_seconds"`
	LockThreshold      float64 `yaml:"lock_threshold" mapstructure:"lock_threshold"`
	ReextractThreshold float64 `yaml:"reextract_threshold" mapstructure:"reextract_threshold"`
	PlateauWindow      int     `yaml:"plateau_window" mapstructure:"plateau_window"`
	PlateauEpsilon     float64 `yaml:"plateau_epsilon" mapstructure:"plateau_epsilon"` // accuracy points, 0-100 scale
}

// BudgetLimits converts the configured ceilings into the tracker's form.
func (r RunConfig) BudgetLimits() model.BudgetLimits {
	return model.BudgetLimits{
		MaxIterations: r.MaxIterations,
		MaxCostUSD:    r.MaxCostUSD,
		MaxDuration:   time.Duration(r.MaxTimeSecs) * time.Second,
	}
}

// TargetAccuracyPct returns the target on the comparator's 0-100 scale.
func (r RunConfig) TargetAccuracyPct() float64 {
	return r.TargetAccuracy * 100
}

// EngineConfig configures orchestrator concurrency and persistence cadence.
type EngineConfig struct {
	UnitConcurrency    int  `yaml:"unit_concurrency" mapstructure:"unit_concurrency"`
	QueueWorkers       int  `yaml:"queue_workers" mapstructure:"queue_workers"`
	SaveEveryIteration bool `yaml:"save_every_iteration" mapstructure:"save_every_iteration"`
}

// ExecutorConfig describes one model executor. Slice order is the tie-break
// priority: earlier entries win consensus ties.
type ExecutorConfig struct {
	Name              string  `yaml:"name" mapstructure:"name"`
	Model             string  `yaml:"model" mapstructure:"model"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// Timeout returns the per-call deadline for this executor.
func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSecs) * time.Second
}

// AnthropicConfig holds Anthropic API settings shared by claude executors.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ComparatorConfig holds the visual comparator service settings.
type ComparatorConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SchemaConfig points at the stage schema file. An empty path means the
// built-in schemas.
type SchemaConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// PricingConfig holds per-executor pricing rates.
type PricingConfig struct {
	Executors         map[string]ExecutorPricing `yaml:"executors" mapstructure:"executors"`
	ComparatorPerCall float64                    `yaml:"comparator_per_call" mapstructure:"comparator_per_call"`
}

// ExecutorPricing holds per-call and per-token rates for one executor model
// (USD; token rates per million tokens).
type ExecutorPricing struct {
	PerCall       float64 `yaml:"per_call" mapstructure:"per_call"`
	InputPerMTok  float64 `yaml:"input_per_mtok" mapstructure:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" mapstructure:"output_per_mtok"`
}

// ServerConfig configures the job API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background fleet health checker.
type MonitoringConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	AbortRateThreshold  float64 `yaml:"abort_rate_threshold" mapstructure:"abort_rate_threshold"`
	CostCeilingUSD      float64 `yaml:"cost_ceiling_usd" mapstructure:"cost_ceiling_usd"`
	DLQDepthThreshold   int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SHELFSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("run.target_accuracy", 0.95)
	v.SetDefault("run.max_iterations", 6)
	v.SetDefault("run.max_cost_usd", 2.50)
	v.SetDefault("run.max_time_seconds", 300)
	v.SetDefault("run.lock_threshold", 0.85)
	v.SetDefault("run.reextract_threshold", 0.5)
	v.SetDefault("run.plateau_window", 2)
	v.SetDefault("run.plateau_epsilon", 1.0) // one accuracy point on the 0-100 scale
	v.SetDefault("engine.unit_concurrency", 4)
	v.SetDefault("engine.queue_workers", 2)
	v.SetDefault("engine.save_every_iteration", true)
	v.SetDefault("executors", []map[string]any{
		{
			"name":                "claude-primary",
			"model":               "claude-opus-4-6",
			"timeout_secs":        60,
			"max_retries":         2,
			"requests_per_second": 2.0,
			"max_tokens":          8192,
		},
		{
			"name":                "claude-fast",
			"model":               "claude-haiku-4-5-20251001",
			"timeout_secs":        30,
			"max_retries":         2,
			"requests_per_second": 4.0,
			"max_tokens":          8192,
		},
	})
	v.SetDefault("comparator.timeout_secs", 90)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "shelfscan.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.abort_rate_threshold", 0.3)
	v.SetDefault("monitoring.cost_ceiling_usd", 100.0)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("pricing.comparator_per_call", 0.01)
	v.SetDefault("pricing.executors", map[string]map[string]any{
		"claude-opus-4-6":           {"input_per_mtok": 15.0, "output_per_mtok": 75.0},
		"claude-sonnet-4-5":         {"input_per_mtok": 3.0, "output_per_mtok": 15.0},
		"claude-haiku-4-5-20251001": {"input_per_mtok": 0.80, "output_per_mtok": 4.0},
	})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with. Runs fail here,
// at INIT, rather than partway through an iteration.
func (c *Config) Validate() error {
	r := c.Run
	if r.TargetAccuracy <= 0 || r.TargetAccuracy > 1 {
		return eris.Errorf("config: run.target_accuracy %v outside (0,1]", r.TargetAccuracy)
	}
	if r.MaxIterations < 1 {
		return eris.New("config: run.max_iterations must be at least 1")
	}
	if r.MaxCostUSD <= 0 {
		return eris.New("config: run.max_cost_usd must be positive")
	}
	if r.MaxTimeSecs <= 0 {
		return eris.New("config: run.max_time_seconds must be positive")
	}
	if r.LockThreshold <= 0 || r.LockThreshold > 1 {
		return eris.Errorf("config: run.lock_threshold %v outside (0,1]", r.LockThreshold)
	}
	if r.ReextractThreshold < 0 || r.ReextractThreshold >= r.LockThreshold {
		return eris.Errorf("config: run.reextract_threshold %v must be in [0, lock_threshold)", r.ReextractThreshold)
	}
	if r.PlateauWindow < 1 {
		return eris.New("config: run.plateau_window must be at least 1")
	}
	if len(c.Executors) == 0 {
		return eris.New("config: at least one executor required")
	}
	seen := make(map[string]struct{}, len(c.Executors))
	for _, e := range c.Executors {
		if e.Name == "" {
			return eris.New("config: executor name required")
		}
		if _, dup := seen[e.Name]; dup {
			return eris.Errorf("config: duplicate executor name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		if e.TimeoutSecs <= 0 {
			return eris.Errorf("config: executor %s timeout_secs must be positive", e.Name)
		}
		if e.MaxRetries < 0 {
			return eris.Errorf("config: executor %s max_retries must not be negative", e.Name)
		}
	}
	if c.Engine.UnitConcurrency < 1 {
		return eris.New("config: engine.unit_concurrency must be at least 1")
	}
	return nil
}

// ExecutorOrder returns the configured executor names in priority order.
func (c *Config) ExecutorOrder() []string {
	names := make([]string, len(c.Executors))
	for i, e := range c.Executors {
		names[i] = e.Name
	}
	return names
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
