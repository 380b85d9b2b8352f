package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/embedding"
	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/intent"
	"github.com/nixh/nixh/pkg/policy"
	"github.com/nixh/nixh/pkg/telemetry"
)

// Environment variables read by ApplyEnv and DefaultPath.
const (
	EnvConfig         = "NIXH_CONFIG"
	EnvOverridePrefix = "NIXH_OVERRIDE_"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	ic := intent.DefaultConfig()
	ic.OverlayPath = filepath.Join(configDir(), "nixh", "aliases.yaml")
	return &Config{
		Intent:    ic,
		Detector:  DefaultDetectorConfig(),
		Engine:    engine.DefaultConfig(),
		Embedding: embedding.DefaultConfig(),
		Storage:   StorageConfig{Path: filepath.Join(stateDir(), "nixh", "history.db"), Retain: 1000},
		Policy:    policy.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
		Overrides: map[string]string{},
		LockPath:  engine.DefaultLockPath,
	}
}

// DefaultDetectorConfig mirrors capability.DefaultDetectorConfig.
func DefaultDetectorConfig() DetectorConfig {
	c := capability.DefaultDetectorConfig()
	return DetectorConfig{
		Budget:       c.Budget,
		ProfilesDir:  c.ProfilesDir,
		ConfigFile:   c.ConfigFile,
		NetworkProbe: c.NetworkProbe,
		EmbedderURL:  c.EmbedderURL,
	}
}

// DefaultPath returns NIXH_CONFIG if set, otherwise the first of
// config.yaml, config.yml and config.cue that exists under
// $XDG_CONFIG_HOME/nixh, otherwise the config.yaml path.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	dir := filepath.Join(configDir(), "nixh")
	for _, name := range []string{"config.yaml", "config.yml", "config.cue"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.yaml")
}

// Loader decodes, schema-checks and validates configuration files.
type Loader struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewLoader creates a Loader with the built-in schema.
func NewLoader() *Loader {
	return &Loader{
		schemas:  NewSchemaRegistry(),
		validate: validator.New(),
	}
}

// Load reads path. A missing file yields the defaults.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := l.Parse(path, data)
	if err != nil {
		return nil, err
	}
	cfg.Source = path
	return cfg, nil
}

// Parse decodes data. The format follows the file extension; anything but
// .cue is YAML.
func (l *Loader) Parse(filename string, data []byte) (*Config, error) {
	var (
		doc []byte
		err error
	)
	if strings.EqualFold(filepath.Ext(filename), ".cue") {
		doc, err = l.checkCUE(filename, data)
	} else {
		doc, err = l.checkYAML(filename, data)
	}
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(doc, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	if cfg.Overrides == nil {
		cfg.Overrides = map[string]string{}
	}
	if err := l.Validate(cfg); err != nil {
		return nil, withSource(err, filename)
	}
	return cfg, nil
}

// Validate checks a typed configuration.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		out := &Error{}
		for _, fe := range verrs {
			out.Errors = append(out.Errors, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed %q check", fe.Tag()),
			})
		}
		return out
	}
	if cfg.Intent.ClarifyBelow < cfg.Intent.UnknownBelow {
		return &Error{Errors: []ValidationError{{
			Path:    "intent.clarify_below",
			Message: "must not be below intent.unknown_below",
		}}}
	}
	if cfg.Intent.EarlyExit <= cfg.Intent.ClarifyBelow {
		return &Error{Errors: []ValidationError{{
			Path:    "intent.early_exit",
			Message: "must be above intent.clarify_below",
		}}}
	}
	tc := cfg.Telemetry
	if tc.ServiceName == "" {
		tc.ServiceName = "nixh"
	}
	if err := tc.Validate(); err != nil {
		return &Error{Errors: []ValidationError{{Path: "telemetry", Message: err.Error()}}}
	}
	return nil
}

// checkYAML validates a YAML document against the schema and returns it
// unchanged. The document is built through CUE's YAML extractor so that
// errors point at lines in the user's file.
func (l *Loader) checkYAML(filename string, data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Source: filename, Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}
	if doc == nil {
		return nil, nil
	}
	f, err := cueyaml.Extract(filename, data)
	if err != nil {
		return nil, &Error{Source: filename, Errors: convertCUEErrors(err)}
	}
	val := l.schemas.Context().BuildFile(f)
	if err := val.Err(); err != nil {
		return nil, &Error{Source: filename, Errors: convertCUEErrors(err)}
	}
	if err := l.schemas.ValidateValue("config", val); err != nil {
		return nil, withSource(err, filename)
	}
	return data, nil
}

// checkCUE evaluates a CUE file, validates it and exports it as JSON, which
// yaml.v3 decodes as YAML.
func (l *Loader) checkCUE(filename string, data []byte) ([]byte, error) {
	val := l.schemas.Context().CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &Error{Source: filename, Errors: convertCUEErrors(err)}
	}
	if err := l.schemas.ValidateValue("config", val); err != nil {
		return nil, withSource(err, filename)
	}
	out, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", filename, err)
	}
	return out, nil
}

func withSource(err error, source string) error {
	if ce, ok := err.(*Error); ok {
		ce.Source = source
	}
	return err
}

// ApplyEnv applies environment overrides given as KEY=VALUE pairs, as
// returned by os.Environ. NIXH_OVERRIDE_<SUBSYSTEM> sets a tier override.
func (c *Config) ApplyEnv(environ []string) {
	if c.Overrides == nil {
		c.Overrides = map[string]string{}
	}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(key, EnvOverridePrefix):
			sub := strings.ToLower(strings.TrimPrefix(key, EnvOverridePrefix))
			if sub == "" {
				continue
			}
			if value == "" {
				delete(c.Overrides, sub)
				continue
			}
			c.Overrides[sub] = strings.ToLower(value)
		case key == "GEMINI_API_KEY" && value != "":
			c.Embedding.GenAIAPIKey = value
		case key == "GOOGLE_API_KEY" && value != "" && c.Embedding.GenAIAPIKey == "":
			c.Embedding.GenAIAPIKey = value
		}
	}
}

func configDir() string {
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		return d
	}
	if d, err := os.UserConfigDir(); err == nil {
		return d
	}
	return "."
}

func stateDir() string {
	if d := os.Getenv("XDG_STATE_HOME"); d != "" {
		return d
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state")
	}
	return os.TempDir()
}
