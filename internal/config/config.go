// Package config loads and validates the application configuration from a
// YAML file, SPECFUZZ_* environment variables and CLI flags, in flag >
// env > file > default precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Target   TargetConfig   `mapstructure:"target"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Coverage CoverageConfig `mapstructure:"coverage"`
	Mutator  MutatorConfig  `mapstructure:"mutator"`
	Feedback FeedbackConfig `mapstructure:"feedback"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Campaign CampaignConfig `mapstructure:"campaign"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

type TargetConfig struct {
	SpecPath string `mapstructure:"spec_path"`
	BaseURL  string `mapstructure:"base_url"`
}

type EngineConfig struct {
	Workers         int           `mapstructure:"workers"`
	MaxIterations   uint64        `mapstructure:"max_iterations"`
	TimeBudget      time.Duration `mapstructure:"time_budget"`
	CheckpointEvery uint64        `mapstructure:"checkpoint_every"`
	ReweightEvery   uint64        `mapstructure:"reweight_every"`
	SnapshotEvery   time.Duration `mapstructure:"snapshot_every"`
	Seed            int64         `mapstructure:"seed"`
}

type ExecutorConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

type CoverageConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type MutatorConfig struct {
	ValueWeight      int      `mapstructure:"value_weight"`
	GenerateWeight   int      `mapstructure:"generate_weight"`
	StructuralWeight int      `mapstructure:"structural_weight"`
	SpliceWeight     int      `mapstructure:"splice_weight"`
	BindProbability  float64  `mapstructure:"bind_probability"`
	OptionalChance   float64  `mapstructure:"optional_chance"`
	Dictionary       []string `mapstructure:"dictionary"`
	MaxCalls         int      `mapstructure:"max_calls"`
}

type FeedbackConfig struct {
	RulesFile       string `mapstructure:"rules_file"`
	MaxValuesPerKey int    `mapstructure:"max_values_per_key"`
}

// AuthConfig selects one of three provider modes: "none", "static"
// (hardcoded bearer token) or "endpoint" (fetch the token once at startup).
type AuthConfig struct {
	Mode        string      `mapstructure:"mode"`
	Token       string      `mapstructure:"token"`
	URL         string      `mapstructure:"url"`
	Method      string      `mapstructure:"method"`
	ContentType string      `mapstructure:"content_type"`
	Body        interface{} `mapstructure:"body"`
	Key         string      `mapstructure:"key"`
}

type CampaignConfig struct {
	Dir     string `mapstructure:"dir"`
	SeedDir string `mapstructure:"seed_dir"`
	Resume  bool   `mapstructure:"resume"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SetDefaults registers every default on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.max_iterations", 0)
	v.SetDefault("engine.time_budget", "0s")
	v.SetDefault("engine.checkpoint_every", 100)
	v.SetDefault("engine.reweight_every", 500)
	v.SetDefault("engine.snapshot_every", "5s")
	v.SetDefault("engine.seed", 1)

	v.SetDefault("executor.call_timeout", "10s")
	v.SetDefault("executor.requests_per_sec", 0)
	v.SetDefault("executor.max_body_bytes", 1<<20)

	v.SetDefault("coverage.timeout", "5s")

	v.SetDefault("mutator.value_weight", 5)
	v.SetDefault("mutator.generate_weight", 2)
	v.SetDefault("mutator.structural_weight", 2)
	v.SetDefault("mutator.splice_weight", 1)
	v.SetDefault("mutator.bind_probability", 0.5)
	v.SetDefault("mutator.optional_chance", 0.5)
	v.SetDefault("mutator.max_calls", 8)

	v.SetDefault("feedback.max_values_per_key", 64)

	v.SetDefault("auth.mode", "none")
	v.SetDefault("auth.method", "POST")

	v.SetDefault("campaign.dir", "campaign")
	v.SetDefault("campaign.resume", true)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
}

// Load reads the configuration. cfgFile, when non-empty, names the exact
// file; otherwise ./specfuzz.yaml is tried and missing-file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.GetViper()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("specfuzz")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("SPECFUZZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || cfgFile != "" {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Target.SpecPath == "" {
		return fmt.Errorf("config: target.spec_path is required")
	}
	if c.Coverage.Endpoint == "" {
		return fmt.Errorf("config: coverage.endpoint is required")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("config: engine.workers must be a positive integer")
	}
	if c.Mutator.BindProbability < 0 || c.Mutator.BindProbability > 1 {
		return fmt.Errorf("config: mutator.bind_probability must be within [0,1]")
	}
	if c.Campaign.Dir == "" {
		return fmt.Errorf("config: campaign.dir is required")
	}
	switch c.Auth.Mode {
	case "", "none", "static", "endpoint":
	default:
		return fmt.Errorf("config: auth.mode must be none, static or endpoint")
	}
	if c.Auth.Mode == "static" && c.Auth.Token == "" {
		return fmt.Errorf("config: auth.token is required in static mode")
	}
	if c.Auth.Mode == "endpoint" && c.Auth.URL == "" {
		return fmt.Errorf("config: auth.url is required in endpoint mode")
	}
	return nil
}
