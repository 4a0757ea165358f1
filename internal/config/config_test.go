package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_MissingOptionalFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false, env(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_MissingRequiredFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), true, env(nil)); err == nil {
		t.Fatal("expected error for missing required file")
	}
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mitreflow.yaml")
	data := `
mcp:
  max_in_flight: 4
  call_timeout: 15s
llm:
  provider: offline
investigation:
  domain: ics
  write_files: false
checkpoint:
  backend: badger
  path: /var/lib/mitreflow
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, true, env(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.MCP.MaxInFlight = 4
	want.MCP.CallTimeout = 15 * time.Second
	want.LLM.Provider = ProviderOffline
	want.Investigation.Domain = "ics"
	want.Investigation.WriteFiles = false
	want.Checkpoint = Checkpoint{Backend: "badger", Path: "/var/lib/mitreflow"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_JSONDetectedFromContent(t *testing.T) {
	var cfg = Default()
	if err := Decode([]byte(`{"log": {"level": "debug", "format": "json"}}`), "", &cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Log != (Log{Level: "debug", Format: "json"}) {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(env(map[string]string{
		EnvMCPCommand:    "node",
		EnvMCPArgs:       "  server.js   --stdio ",
		EnvOpenAIModel:   "gpt-4.1-mini",
		EnvOpenAIKey:     "sk-test",
		EnvOpenAIBaseURL: "http://localhost:8080/v1",
		EnvDomain:        "mobile",
	}))
	if cfg.MCP.Command != "node" {
		t.Errorf("command = %q", cfg.MCP.Command)
	}
	if diff := cmp.Diff([]string{"server.js", "--stdio"}, cfg.MCP.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if cfg.LLM.Model != "gpt-4.1-mini" || cfg.LLM.APIKey != "sk-test" || cfg.LLM.BaseURL != "http://localhost:8080/v1" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Investigation.Domain != "mobile" {
		t.Errorf("domain = %q", cfg.Investigation.Domain)
	}
}

func TestApplyEnv_CustomKeyVariable(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKeyEnv = "AZURE_KEY"
	cfg.ApplyEnv(env(map[string]string{EnvOpenAIKey: "wrong", "AZURE_KEY": "right"}))
	if cfg.LLM.APIKey != "right" {
		t.Errorf("api key = %q, want right", cfg.LLM.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Checkpoint.Backend = "redis" }, "checkpoint.backend"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "anthropic" }, "llm.provider"},
		{"zero fan out", func(c *Config) { c.Investigation.FanOut = 0 }, "investigation.fanout"},
		{"negative in flight", func(c *Config) { c.MCP.MaxInFlight = -1 }, "mcp.maxinflight"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad metrics addr", func(c *Config) { c.Metrics.Addr = "nine thousand" }, "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error naming %s", err, tt.want)
			}
		})
	}
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
