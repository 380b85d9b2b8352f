package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nixh/nixh/pkg/capability"
	"github.com/nixh/nixh/pkg/embedding"
	"github.com/nixh/nixh/pkg/engine"
	"github.com/nixh/nixh/pkg/intent"
	"github.com/nixh/nixh/pkg/policy"
	"github.com/nixh/nixh/pkg/stores"
	"github.com/nixh/nixh/pkg/telemetry"
)

// Config is the whole nixh configuration.
type Config struct {
	Intent    intent.Config    `yaml:"intent" json:"intent"`
	Detector  DetectorConfig   `yaml:"detector" json:"detector"`
	Engine    engine.Config    `yaml:"engine" json:"engine"`
	Embedding embedding.Config `yaml:"embedding" json:"embedding"`
	Storage   StorageConfig    `yaml:"storage" json:"storage"`
	Policy    policy.Config    `yaml:"policy" json:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Overrides forces a tier per subsystem.
	Overrides map[string]string `yaml:"overrides" json:"overrides" validate:"dive,keys,oneof=intent embedding execution storage render,endkeys,required"`

	// Predicates replace tier requirements with Starlark expressions,
	// keyed by subsystem then tier.
	Predicates map[string]map[string]string `yaml:"predicates" json:"predicates" validate:"dive,keys,oneof=intent embedding execution storage render,endkeys,dive,required"`

	// LockPath is the privileged-operation lock file.
	LockPath string `yaml:"lock_path" json:"lock_path" validate:"required"`

	// Source is the file the configuration was read from, empty for defaults.
	Source string `yaml:"-" json:"source,omitempty"`
}

// DetectorConfig is the file form of capability.DetectorConfig.
type DetectorConfig struct {
	Budget       time.Duration `yaml:"budget" json:"budget" validate:"gt=0"`
	ProfilesDir  string        `yaml:"profiles_dir" json:"profiles_dir" validate:"required"`
	ConfigFile   string        `yaml:"config_file" json:"config_file" validate:"required"`
	NetworkProbe string        `yaml:"network_probe" json:"network_probe" validate:"required,hostname_port"`
	EmbedderURL  string        `yaml:"embedder_url" json:"embedder_url" validate:"omitempty,url"`
}

// Capability converts to the detector's own config.
func (d DetectorConfig) Capability() capability.DetectorConfig {
	c := capability.DefaultDetectorConfig()
	c.Budget = d.Budget
	c.ProfilesDir = d.ProfilesDir
	c.ConfigFile = d.ConfigFile
	c.NetworkProbe = d.NetworkProbe
	c.EmbedderURL = d.EmbedderURL
	return c
}

// StorageConfig locates the history database.
type StorageConfig struct {
	// Path of the SQLite database. Empty selects the memory tier.
	Path string `yaml:"path" json:"path"`

	// Retain is how many executions are kept; 0 keeps all.
	Retain int `yaml:"retain" json:"retain" validate:"gte=0"`

	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// Stores converts to the store's own config.
func (s StorageConfig) Stores() stores.Config {
	return stores.Config{Path: s.Path, BusyTimeout: s.BusyTimeout}
}

// Error collects schema or validation failures for one configuration file.
type Error struct {
	Source string
	Errors []ValidationError
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration")
	if e.Source != "" {
		fmt.Fprintf(&b, " %s", e.Source)
	}
	for i, ve := range e.Errors {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(ve.String())
	}
	return b.String()
}

// ValidationError is one failure with its location, when known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (v ValidationError) String() string {
	var b strings.Builder
	switch {
	case v.File != "" && v.Line > 0:
		fmt.Fprintf(&b, "%s:%d:%d: ", v.File, v.Line, v.Column)
	case v.File != "":
		fmt.Fprintf(&b, "%s: ", v.File)
	}
	if v.Path != "" && !strings.HasPrefix(v.Message, v.Path) {
		fmt.Fprintf(&b, "%s: ", v.Path)
	}
	b.WriteString(v.Message)
	return b.String()
}
