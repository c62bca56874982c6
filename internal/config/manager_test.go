package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validJSON = `{
  "logging": {"level": "INFO", "console": true},
  "league": {
    "teams": [{"id": "ants"}, {"id": "bears"}, {"id": "crows"}, {"id": "drakes"}],
    "rounds": 2,
    "qualifiers": 4,
    "best_of": 3
  },
  "trigger": {"enabled": true, "schedule": "0 * * * *", "timeout": "5m"},
  "lock": {"staleness": "10m"},
  "storage": {"driver": "sqlite", "path": "./league.db"}
}`

func TestLoadValidJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", validJSON)
	m := NewManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.League.Teams) != 4 || cfg.League.BestOf != 3 {
		t.Fatalf("unexpected league config %+v", cfg.League)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() does not return the committed config")
	}
}

func TestLoadValidYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: DEBUG
  console: true
league:
  teams:
    - id: ants
    - id: bears
  rounds: 1
  qualifiers: 2
  best_of: 1
trigger:
  enabled: true
  schedule: "30m"
storage:
  driver: memory
  path: ""
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || cfg.League.Qualifiers != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(validJSON, `"lock"`, `"lockk"`, 1)
	path := writeConfig(t, "config.json", bad)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("typo'd field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", validJSON+"\n{}")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestValidateRules(t *testing.T) {
	t.Parallel()
	base := func(t *testing.T) *Config {
		cfg, err := NewManager(writeConfig(t, "config.json", validJSON)).Parse()
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"one team", func(c *Config) { c.League.Teams = c.League.Teams[:1] }},
		{"blank team id", func(c *Config) { c.League.Teams[0].ID = " " }},
		{"duplicate team id", func(c *Config) { c.League.Teams[1].ID = c.League.Teams[0].ID }},
		{"zero rounds", func(c *Config) { c.League.Rounds = 0 }},
		{"odd qualifiers", func(c *Config) { c.League.Qualifiers = 3 }},
		{"even best-of", func(c *Config) { c.League.BestOf = 2 }},
		{"enabled trigger without schedule", func(c *Config) { c.Trigger.Schedule = "" }},
		{"bad staleness duration", func(c *Config) { c.Lock.Staleness = "ten minutes" }},
		{"negative timeout", func(c *Config) { c.Trigger.Timeout = "-5m" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}

	if err := Validate(base(t)); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestTeamListPreservesOrder(t *testing.T) {
	t.Parallel()
	lc := LeagueConfig{Teams: []TeamConfig{
		{ID: "z", Name: "Zebras"},
		{ID: "a"},
	}}
	teams := lc.TeamList()
	if len(teams) != 2 || teams[0].ID != "z" || teams[1].ID != "a" {
		t.Fatalf("order not preserved: %+v", teams)
	}
	if teams[0].Name != "Zebras" || teams[1].Name != "a" {
		t.Fatalf("names = %q, %q", teams[0].Name, teams[1].Name)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = (%v, %v), want (0, nil)", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = (%v, %v), want (1m, nil)", d, err)
	}
}

func TestCommitAndSubscribe(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", validJSON)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	next, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	next.Logging.Level = "DEBUG"
	m.Commit(next)
	m.publish(next)

	select {
	case got := <-sub:
		if got.Logging.Level != "DEBUG" {
			t.Fatalf("subscriber got %+v", got.Logging)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
	m.Unsubscribe(sub)
	if _, open := <-sub; open {
		t.Fatal("channel still open after Unsubscribe")
	}
}
