package config

import (
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no addrs", func(c *Config) { c.Addrs = nil }},
		{"empty addr", func(c *Config) { c.Addrs = []string{""} }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
		{"zero queue depth", func(c *Config) { c.QueueDepth = 0 }},
		{"zero pipeline depth", func(c *Config) { c.PipelineDepth = 0 }},
		{"negative read timeout", func(c *Config) { c.ReadTimeout = -time.Second }},
		{"zero body limit", func(c *Config) { c.MaxBodyBytes = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate() accepted %s", tt.name)
			}
		})
	}
}

func TestClone(t *testing.T) {
	c := Default()
	c.Addrs = []string{":8080", ":8081"}
	clone := c.Clone()
	clone.Addrs[0] = ":9999"
	clone.MaxConnections = 1

	if c.Addrs[0] != ":8080" {
		t.Errorf("Clone shares the Addrs slice: %v", c.Addrs)
	}
	if c.MaxConnections != 10000 {
		t.Errorf("Clone shares scalar state: MaxConnections = %d", c.MaxConnections)
	}
	if (*Config)(nil).Clone() != nil {
		t.Error("nil.Clone() should be nil")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PYFAST_ADDRS", ":7000, :7001")
	t.Setenv("PYFAST_MAX_CONNECTIONS", "500")
	t.Setenv("PYFAST_CALL_TIMEOUT", "5s")
	t.Setenv("PYFAST_EXPOSE_ERRORS", "true")
	t.Setenv("PYFAST_LOG_LEVEL", "debug")

	c := Default()
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if len(c.Addrs) != 2 || c.Addrs[0] != ":7000" || c.Addrs[1] != ":7001" {
		t.Errorf("Addrs = %v, want [:7000 :7001]", c.Addrs)
	}
	if c.MaxConnections != 500 {
		t.Errorf("MaxConnections = %d, want 500", c.MaxConnections)
	}
	if c.CallTimeout != 5*time.Second {
		t.Errorf("CallTimeout = %s, want 5s", c.CallTimeout)
	}
	if !c.ExposeErrors {
		t.Error("ExposeErrors not applied")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", c.LogLevel)
	}
}

func TestApplyEnvRejectsMalformed(t *testing.T) {
	t.Setenv("PYFAST_WORKERS", "many")
	if err := Default().ApplyEnv(); err == nil {
		t.Error("ApplyEnv accepted PYFAST_WORKERS=many")
	}
}

func TestApplyEnvLeavesUnsetFields(t *testing.T) {
	t.Setenv("PYFAST_LOG_LEVEL", "warn")
	c := Default()
	if err := c.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if c.QueueDepth != 1024 {
		t.Errorf("QueueDepth changed without an override: %d", c.QueueDepth)
	}
	if c.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", c.LogLevel)
	}
}
