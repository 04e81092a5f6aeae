// Package config holds the layerchop tool configuration. Values are layered:
// built-in defaults, then an optional YAML file, then the environment
// (a .env file and LAYERCHOP_* variables), then command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/layerchop/checkpoints"
	"github.com/tsawler/layerchop/chopper"
)

// EnvPrefix prefixes every environment variable the tool reads.
const EnvPrefix = "LAYERCHOP"

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"` // console or json
	Output string `yaml:"output" split_words:"true"` // stdout, stderr or a file path
}

// Config is the complete tool configuration.
type Config struct {
	SourceModel string    `yaml:"source_model" split_words:"true"`
	DestModel   string    `yaml:"dest_model" split_words:"true"`
	InputNames  []string  `yaml:"input_names" split_words:"true"`
	OutputNames []string  `yaml:"output_names" split_words:"true"`
	Verbose     bool      `yaml:"verbose" split_words:"true"`
	Policy      string    `yaml:"policy" split_words:"true"`
	Format      string    `yaml:"format" split_words:"true"`
	Plan        string    `yaml:"plan" split_words:"true"`
	Workers     int       `yaml:"workers" split_words:"true"`
	Log         LogConfig `yaml:"log" split_words:"true"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Policy:  chopper.Permissive.String(),
		Format:  "auto",
		Workers: 4,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// LoadFromPath reads a YAML configuration file on top of the defaults.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills settings a config file left blank.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.Format == "" {
		c.Format = def.Format
	}
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Log.Output == "" {
		c.Log.Output = def.Log.Output
	}
}

// ApplyEnv loads envFile (when it exists) into the process environment
// without overriding variables already set, then applies LAYERCHOP_*
// variables. Unset variables leave the current values untouched.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return errors.Wrapf(err, "failed to load %s", envFile)
		}
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return errors.Wrap(err, "failed to process environment configuration")
	}
	c.InputNames = cleanNames(c.InputNames)
	c.OutputNames = cleanNames(c.OutputNames)
	c.applyDefaults()
	return nil
}

// Validate checks the configuration is complete enough to run.
func (c *Config) Validate() error {
	if _, err := chopper.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if _, err := checkpoints.ParseFormat(c.Format); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be console or json", c.Log.Format)
	}

	if c.Plan != "" {
		return nil
	}
	var missing []string
	if c.SourceModel == "" {
		missing = append(missing, "source model")
	}
	if c.DestModel == "" {
		missing = append(missing, "destination model")
	}
	if len(c.InputNames) == 0 {
		missing = append(missing, "input names")
	}
	if len(c.OutputNames) == 0 {
		missing = append(missing, "output names")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// PolicyValue returns the parsed extraction policy.
func (c *Config) PolicyValue() chopper.Policy {
	p, _ := chopper.ParsePolicy(c.Policy)
	return p
}

// FormatValue returns the parsed model format.
func (c *Config) FormatValue() checkpoints.CheckpointFormat {
	f, _ := checkpoints.ParseFormat(c.Format)
	return f
}

// SplitNames splits a comma-separated name list, dropping blanks.
func SplitNames(s string) []string {
	return cleanNames(strings.Split(s, ","))
}

func cleanNames(names []string) []string {
	var out []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}
