package policy

import (
	"errors"
	"testing"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

func TestDenyWinsOverMoreSpecificAllow(t *testing.T) {
	policyYAML := `
rules:
  - pattern: "ha_call_service(lock.*)"
    action: deny
    description: never touch locks
  - pattern: "ha_call_service(lock.front_door)"
    action: allow
    description: front door is fine, actually
`
	e := NewEngine()
	if err := e.Load([]byte(policyYAML)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := e.Evaluate("ha_call_service(lock.front_door)")
	if got != model.Deny {
		t.Errorf("Evaluate = %v, want Deny (deny must win regardless of specificity)", got)
	}
}

func TestThreePassPrecedence(t *testing.T) {
	policyYAML := `
rules:
  - pattern: "ha_get_state(*)"
    action: ask
    description: ask pass
  - pattern: "ha_get_state(sensor.temp)"
    action: allow
    description: allow pass wins over ask
`
	e := NewEngine()
	if err := e.Load([]byte(policyYAML)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := e.Evaluate("ha_get_state(sensor.temp)"); got != model.Allow {
		t.Errorf("Evaluate = %v, want Allow", got)
	}
}

func TestDefaultsFirstMatch(t *testing.T) {
	policyYAML := `
defaults:
  - pattern: "ha_get_*"
    action: allow
    description: reads are free
  - pattern: "*"
    action: ask
    description: everything else asks
`
	e := NewEngine()
	if err := e.Load([]byte(policyYAML)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		signature string
		want      model.Decision
	}{
		{"ha_get_state(sensor.temp)", model.Allow},
		{"ha_call_service(lock.unlock, lock.front_door)", model.Ask},
	}
	for _, tt := range tests {
		if got := e.Evaluate(tt.signature); got != tt.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tt.signature, got, tt.want)
		}
	}
}

func TestFallbackIsAsk(t *testing.T) {
	e := NewEngine()
	if err := e.Load([]byte(`{}`)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := e.Evaluate("ha_fire_event(custom_event)"); got != model.Ask {
		t.Errorf("Evaluate = %v, want Ask fallback", got)
	}
}

func TestEmptyEngineFallsBackToAsk(t *testing.T) {
	e := NewEngine()
	if got := e.Evaluate("anything"); got != model.Ask {
		t.Errorf("Evaluate on unloaded engine = %v, want Ask", got)
	}
}

func TestInvalidPatternFailsLoad(t *testing.T) {
	e := NewEngine()
	err := e.Load([]byte(`
rules:
  - pattern: "[unterminated"
    action: deny
    description: broken
`))
	if err == nil {
		t.Fatal("expected Load to fail on an invalid glob pattern")
	}
	var cfgErr *model.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected a *model.ConfigError, got %T", err)
	}
}

func TestMatchingRuleReportsPrecedenceOrder(t *testing.T) {
	policyYAML := `
rules:
  - pattern: "ha_call_service(lock.*)"
    action: deny
    description: lock safety
  - pattern: "ha_call_service(*)"
    action: allow
    description: everything else
`
	e := NewEngine()
	if err := e.Load([]byte(policyYAML)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rule, ok := e.MatchingRule("ha_call_service(lock.unlock, lock.front_door)")
	if !ok {
		t.Fatal("expected a matching rule")
	}
	if rule.Action != model.ActionDeny {
		t.Errorf("MatchingRule action = %v, want deny", rule.Action)
	}
}
