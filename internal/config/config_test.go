package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/draftwise/draftwise/internal/quota"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  providers:
    anthropic:
      api_key: test-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default http_port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("expected default provider anthropic, got %q", cfg.LLM.DefaultProvider)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Quota.DefaultPlan != "unlimited" {
		t.Errorf("expected implicit unlimited plan, got %q", cfg.Quota.DefaultPlan)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidatesDefaultProvider(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: openai
  providers:
    anthropic:
      api_key: test-key
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "default_provider") {
		t.Fatalf("expected default_provider error, got %v", err)
	}
}

func TestLoadValidatesPlanReferences(t *testing.T) {
	path := writeConfig(t, `
quota:
  default_plan: free
  tenants:
    acme: enterprise
  plans:
    free:
      limits:
        chat_turn: 50
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "enterprise") {
		t.Fatalf("expected unknown plan error, got %v", err)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("DRAFTWISE_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  providers:
    anthropic:
      api_key: ${DRAFTWISE_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.LLM.Providers["anthropic"].APIKey; got != "sk-from-env" {
		t.Fatalf("expected expanded api key, got %q", got)
	}
}

func TestStaticPlansAssignsIDs(t *testing.T) {
	path := writeConfig(t, `
quota:
  default_plan: pro
  tenants:
    acme: pro
  plans:
    pro:
      limits:
        chat_turn: 500
        tool_call: 2000
      features:
        doc_export: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	plans := cfg.Quota.StaticPlans()
	plan, err := plans.Plan(nil, "acme")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.ID != "pro" {
		t.Errorf("expected plan ID from map key, got %q", plan.ID)
	}
	if plan.Limits[quota.MetricChatTurn] != 500 {
		t.Errorf("unexpected chat_turn limit: %d", plan.Limits[quota.MetricChatTurn])
	}
	if !plan.Features["doc_export"] {
		t.Errorf("expected doc_export feature enabled")
	}
}
