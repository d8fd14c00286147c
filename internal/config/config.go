// Package config loads the prp project configuration from .prp/config.yaml,
// with PRP_* environment variables taking precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a prp project.
type Config struct {
	Version  int              `yaml:"version" mapstructure:"version"`
	Agents   map[string]Agent `yaml:"agents" mapstructure:"agents" validate:"dive"`
	Session  Session          `yaml:"session" mapstructure:"session"`
	Pipeline Pipeline         `yaml:"pipeline" mapstructure:"pipeline"`
	Retry    Retry            `yaml:"retry" mapstructure:"retry"`
	Logging  Logging          `yaml:"logging" mapstructure:"logging"`
}

// Session configures where sessions are stored.
type Session struct {
	BasePath string `yaml:"base_path" mapstructure:"base_path" validate:"required"`
}

// Pipeline configures the controller.
type Pipeline struct {
	ContinueOnError bool   `yaml:"continue_on_error" mapstructure:"continue_on_error"`
	QA              bool   `yaml:"qa" mapstructure:"qa"`
	AutoCommit      bool   `yaml:"auto_commit" mapstructure:"auto_commit"`
	WorkDir         string `yaml:"work_dir,omitempty" mapstructure:"work_dir"`
}

// Retry configures how agent calls are retried.
type Retry struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	BaseDelayMS int `yaml:"base_delay_ms" mapstructure:"base_delay_ms" validate:"min=0"`
	MaxDelayMS  int `yaml:"max_delay_ms" mapstructure:"max_delay_ms" validate:"min=0"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=console json"`
}

// defaults is the single source for both viper defaults and DefaultConfig.
var defaults = map[string]any{
	"version":                    1,
	"session.base_path":          "plan",
	"pipeline.continue_on_error": false,
	"pipeline.qa":                true,
	"pipeline.auto_commit":       false,
	"pipeline.work_dir":          "",
	"retry.max_attempts":         3,
	"retry.base_delay_ms":        1000,
	"retry.max_delay_ms":         30000,
	"logging.level":              "info",
	"logging.format":             "console",
}

// Load reads the YAML file at path. Every key can be overridden from the
// environment, e.g. PRP_PIPELINE_CONTINUE_ON_ERROR=true.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PRP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultConfig returns a starter config with one claude CLI agent per
// role. Only the coder may edit files without asking.
func DefaultConfig() *Config {
	agents := make(map[string]Agent, len(Roles))
	for _, role := range Roles {
		agents[role] = Agent{Role: role, Mode: ModeCLI, Cmd: "claude", AutoAccept: role == RoleCoder}
	}
	return &Config{
		Version:  defaults["version"].(int),
		Agents:   agents,
		Session:  Session{BasePath: defaults["session.base_path"].(string)},
		Pipeline: Pipeline{QA: defaults["pipeline.qa"].(bool)},
		Retry: Retry{
			MaxAttempts: defaults["retry.max_attempts"].(int),
			BaseDelayMS: defaults["retry.base_delay_ms"].(int),
			MaxDelayMS:  defaults["retry.max_delay_ms"].(int),
		},
		Logging: Logging{
			Level:  defaults["logging.level"].(string),
			Format: defaults["logging.format"].(string),
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and reports the first offending field
// by its YAML path.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Errorf("invalid config: %s fails %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("invalid config: %s fails %s", field, fe.Tag())
}
