// Package config loads mitreflow settings: defaults, then an optional
// YAML or JSON file, then environment overrides. Command-line flags are
// applied last by the CLI.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. It may be absent.
const DefaultPath = "mitreflow.yaml"

// Environment variables consulted by ApplyEnv.
const (
	EnvMCPCommand    = "MITRE_MCP_COMMAND"
	EnvMCPArgs       = "MITRE_MCP_ARGS"
	EnvOpenAIModel   = "OPENAI_MODEL"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvDomain        = "MITREFLOW_DOMAIN"
)

// LLM providers.
const (
	ProviderOpenAI  = "openai"
	ProviderOffline = "offline"
)

type Config struct {
	MCP           MCP           `yaml:"mcp" json:"mcp"`
	LLM           LLM           `yaml:"llm" json:"llm"`
	Investigation Investigation `yaml:"investigation" json:"investigation"`
	Checkpoint    Checkpoint    `yaml:"checkpoint" json:"checkpoint"`
	Log           Log           `yaml:"log" json:"log"`
	Metrics       Metrics       `yaml:"metrics" json:"metrics"`
}

// MCP describes how to reach the ATT&CK tool server.
type MCP struct {
	Command        string        `yaml:"command" json:"command" validate:"required"`
	Args           []string      `yaml:"args" json:"args"`
	Env            []string      `yaml:"env" json:"env"`
	MaxInFlight    int           `yaml:"max_in_flight" json:"max_in_flight" validate:"gte=0"`
	CallsPerSecond float64       `yaml:"calls_per_second" json:"calls_per_second" validate:"gte=0"`
	Burst          int           `yaml:"burst" json:"burst" validate:"gte=0"`
	CallTimeout    time.Duration `yaml:"call_timeout" json:"call_timeout" validate:"gte=0"`
}

type LLM struct {
	Provider    string  `yaml:"provider" json:"provider" validate:"oneof=openai offline"`
	Model       string  `yaml:"model" json:"model" validate:"required"`
	APIKeyEnv   string  `yaml:"api_key_env" json:"api_key_env"`
	BaseURL     string  `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	Temperature float32 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`

	// APIKey is resolved from APIKeyEnv and never read from the file.
	APIKey string `yaml:"-" json:"-"`
}

type Investigation struct {
	Domain            string `yaml:"domain" json:"domain" validate:"required"`
	FanOut            int    `yaml:"fan_out" json:"fan_out" validate:"gt=0"`
	MaxCandidates     int    `yaml:"max_candidates" json:"max_candidates" validate:"gt=0"`
	IntelMaxItems     int    `yaml:"intel_max_items" json:"intel_max_items" validate:"gt=0"`
	DetectionTopItems int    `yaml:"detection_top_items" json:"detection_top_items" validate:"gt=0"`
	MaxConcurrency    int    `yaml:"max_concurrency" json:"max_concurrency" validate:"gte=0"`
	OutputDir         string `yaml:"output_dir" json:"output_dir"`
	WriteFiles        bool   `yaml:"write_files" json:"write_files"`
	Pipeline          string `yaml:"pipeline" json:"pipeline"`
}

type Checkpoint struct {
	Backend string `yaml:"backend" json:"backend" validate:"oneof=none memory sqlite badger"`
	Path    string `yaml:"path" json:"path"`
}

type Log struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
}

type Metrics struct {
	Addr string `yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MCP: MCP{
			Command:     "npx",
			Args:        []string{"-y", "@imouiche/mitre-attack-mcp-server"},
			MaxInFlight: 10,
			CallTimeout: 60 * time.Second,
		},
		LLM: LLM{
			Provider:    ProviderOpenAI,
			Model:       "gpt-4o-mini",
			APIKeyEnv:   EnvOpenAIKey,
			Temperature: 0.2,
		},
		Investigation: Investigation{
			Domain:            "enterprise",
			FanOut:            10,
			MaxCandidates:     10,
			IntelMaxItems:     5,
			DetectionTopItems: 7,
			OutputDir:         "out",
			WriteFiles:        true,
		},
		Checkpoint: Checkpoint{Backend: "sqlite"},
		Log:        Log{Level: "info", Format: "text"},
	}
}

// Load builds the effective configuration from defaults, the file at path
// and the environment. A missing file is an error only when required is
// set.
func Load(path string, required bool, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := Decode(data, filepath.Ext(path), &cfg); err != nil {
				return Config{}, fmt.Errorf("%s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !required:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg.ApplyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses data over cfg. ext is the file extension used as a format
// hint; without one the format is detected from content.
func Decode(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".json":
		return decodeJSON(data, cfg)
	case ".yaml", ".yml":
		return decodeYAML(data, cfg)
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		return decodeJSON(data, cfg)
	}
	return decodeYAML(data, cfg)
}

func decodeJSON(data []byte, cfg *Config) error {
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config json: %w", err)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// ApplyEnv overlays non-empty environment values.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvMCPCommand)); v != "" {
		c.MCP.Command = v
	}
	if v := strings.TrimSpace(getenv(EnvMCPArgs)); v != "" {
		c.MCP.Args = strings.Fields(v)
	}
	if v := strings.TrimSpace(getenv(EnvOpenAIModel)); v != "" {
		c.LLM.Model = v
	}
	if v := strings.TrimSpace(getenv(EnvOpenAIBaseURL)); v != "" {
		c.LLM.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvDomain)); v != "" {
		c.Investigation.Domain = v
	}
	keyEnv := c.LLM.APIKeyEnv
	if keyEnv == "" {
		keyEnv = EnvOpenAIKey
	}
	c.LLM.APIKey = strings.TrimSpace(getenv(keyEnv))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports the first invalid field by its config path.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("config: %s fails %q (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value())
	}
	return err
}

// fieldPath turns "Config.MCP.MaxInFlight" into "mcp.maxinflight".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}
