package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "network.yaml", `
simulation:
  iterations: 3
  cache_ttl: 2s
collector:
  driver: SQLite
  dsn: data/sim.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Simulation
	if s.Size != 20 || s.BatchSize != 10 || s.BlocksPerIteration != 100 || s.BlockTime != 5 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.Iterations != 3 {
		t.Fatalf("explicit iterations overwritten: %d", s.Iterations)
	}
	if s.CacheTTL != 2*time.Second {
		t.Fatalf("unexpected cache ttl: %v", s.CacheTTL)
	}
	if cfg.Chain.AdvanceBatch != 5 || s.MinBlocksBetweenActions != 5 {
		t.Fatalf("unexpected chain defaults: %+v", cfg.Chain)
	}
	if cfg.Collector.Driver != "sqlite" || cfg.Collector.DSN != filepath.Join(dir, "data/sim.db") {
		t.Fatalf("unexpected collector config: %+v", cfg.Collector)
	}
	funding, err := cfg.InitialFunding()
	if err != nil || funding.String() != "10000000000000000000000" {
		t.Fatalf("unexpected funding %v (%v)", funding, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestApplyOverridesAndFastMode(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Collector.Driver = "memory"
	cfg.Apply(Overrides{Size: 4, Iterations: 2, BlocksPerIteration: 10, FastMode: true})

	if cfg.Simulation.Size != 4 || cfg.Simulation.Iterations != 2 || cfg.Simulation.BlocksPerIteration != 10 {
		t.Fatalf("overrides not applied: %+v", cfg.Simulation)
	}
	if cfg.Simulation.BatchSize != 10 {
		t.Fatalf("zero override should keep default batch size")
	}
	if cfg.Collector.Driver != "none" {
		t.Fatalf("fast mode should disable collection, got %s", cfg.Collector.Driver)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg, _ := Load("")
	cfg.Collector.Driver = "postgres"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}

func TestLoadInitialActionsAndState(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "network.yaml", `
simulation:
  initial_state:
    scenario: baseline
  network_state:
    phase: bootstrap
  initial_actions:
    - action: native_Transfer
      profile: holder
      count: 2
      params:
        amount: 5
    - action: ""
      count: -1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Simulation
	if s.InitialState["scenario"] != "baseline" || s.NetworkState["phase"] != "bootstrap" {
		t.Fatalf("state sections not loaded: %+v / %+v", s.InitialState, s.NetworkState)
	}
	if len(s.InitialActions) != 2 {
		t.Fatalf("expected 2 initial actions, got %d", len(s.InitialActions))
	}
	first := s.InitialActions[0]
	if first.Action != "native_Transfer" || first.Profile != "holder" || first.Count != 2 || first.Params["amount"] != 5 {
		t.Fatalf("unexpected initial action: %+v", first)
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "initial_actions[1]") {
		t.Fatalf("expected initial action validation error, got %v", err)
	}
}

func TestLoadAgents(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agents.yaml", `
agent_distribution:
  trader: 3
  holder: 1
profiles:
  trader:
    description: active trader
    base_config:
      target_account_count: 2
      max_daily_actions: 5
    available_actions:
      - action: native_Transfer
        probability: 0.7
        cooldown_blocks: 10
  holder:
    available_actions: []
`)

	cfg, err := LoadAgents(path)
	if err != nil {
		t.Fatalf("load agents: %v", err)
	}
	if names := cfg.ProfileNames(); len(names) != 2 || names[0] != "holder" || names[1] != "trader" {
		t.Fatalf("unexpected profile order: %v", names)
	}
	trader := cfg.Profiles["trader"]
	if trader.BaseConfig.RiskTolerance != 0.5 || trader.BaseConfig.MaxDailyActions != 5 {
		t.Fatalf("unexpected trader base config: %+v", trader.BaseConfig)
	}
	if cfg.Profiles["holder"].BaseConfig.TargetAccountCount != 1 {
		t.Fatalf("holder should default to one account")
	}
	if trader.AvailableActions[0].CooldownBlocks != 10 {
		t.Fatalf("unexpected cooldown: %+v", trader.AvailableActions[0])
	}
	if err := cfg.Validate(4); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := cfg.Validate(5); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestAgentValidateRejectsUnknownProfile(t *testing.T) {
	cfg := &AgentConfig{
		AgentDistribution: map[string]int{"ghost": 1},
		Profiles:          map[string]ProfileConfig{},
	}
	if err := cfg.Validate(1); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected unknown profile error, got %v", err)
	}
}
