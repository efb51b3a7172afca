// Package policy implements the agent-gate permission engine: deterministic
// evaluation of a (tool, signature) pair against a declarative, ordered
// rule set, with a strict deny-always-wins precedence.
//
// The engine is the core security primitive of the gateway. Every tool
// request the agent makes is evaluated here before anything is executed
// or a human is asked. LoadFromFile is the only function that reads from
// disk; Load is a pure parse, and evaluation is a pure function of
// (rules, signature) with no I/O.
package policy

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

// compiledRule pairs a PermissionRule with its pre-compiled glob, so
// evaluation never recompiles a pattern.
type compiledRule struct {
	model.PermissionRule
	g glob.Glob
}

// Engine evaluates tool signatures against a loaded Permissions document.
//
// Thread-safety: an Engine is safe for concurrent read-only use after
// Load/LoadFromFile returns. There is no mutable state touched by
// Evaluate.
type Engine struct {
	defaults []compiledRule
	rules    []compiledRule
}

// NewEngine returns an Engine with no policy loaded; Evaluate on such an
// engine always returns Ask (the documented fallback), since there is
// nothing to match against.
func NewEngine() *Engine {
	return &Engine{}
}

// Load parses a Permissions document from YAML bytes and compiles every
// rule's glob pattern. Returns an error if the YAML is malformed or any
// pattern fails to compile.
func (e *Engine) Load(data []byte) error {
	var perms model.Permissions
	if err := yaml.Unmarshal(data, &perms); err != nil {
		return &model.ConfigError{Msg: fmt.Sprintf("failed to parse policy YAML: %v", err)}
	}

	defaults, err := compileAll(perms.Defaults)
	if err != nil {
		return err
	}
	rules, err := compileAll(perms.Rules)
	if err != nil {
		return err
	}

	e.defaults = defaults
	e.rules = rules
	return nil
}

// LoadFromFile reads and parses a policy document from disk.
func (e *Engine) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &model.ConfigError{Msg: fmt.Sprintf("failed to read policy file %q: %v", path, err)}
	}
	return e.Load(data)
}

func compileAll(rules []model.PermissionRule) ([]compiledRule, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, &model.ConfigError{Msg: fmt.Sprintf("invalid pattern %q: %v", r.Pattern, err)}
		}
		compiled[i] = compiledRule{PermissionRule: r, g: g}
	}
	return compiled, nil
}

// Evaluate returns the Decision for the given signature. It is O(N) in
// the number of configured rules: at most one pass per action over the
// rules list, plus one pass over the defaults list.
//
// Precedence, in order: any matching deny rule wins outright; then any
// matching allow rule; then any matching ask rule; then the first
// matching default; then Ask as the final fallback. Deny always wins
// regardless of where it sits relative to a more specific allow or ask —
// this is deliberate: an operator writing a deny rule must never be
// silently overridden by a narrower allow.
func (e *Engine) Evaluate(signature string) model.Decision {
	if d, ok := e.scan(model.ActionDeny, signature); ok {
		return d
	}
	if d, ok := e.scan(model.ActionAllow, signature); ok {
		return d
	}
	if d, ok := e.scan(model.ActionAsk, signature); ok {
		return d
	}
	for _, r := range e.defaults {
		if r.g.Match(signature) {
			return model.Decision(r.Action)
		}
	}
	return model.Ask
}

func (e *Engine) scan(action model.RuleAction, signature string) (model.Decision, bool) {
	for _, r := range e.rules {
		if r.Action == action && r.g.Match(signature) {
			return model.Decision(action), true
		}
	}
	return "", false
}

// MatchingRule returns the first rule (in the defaults or three-pass
// rules scan, mirroring Evaluate's own precedence) whose pattern matches
// signature, and whether any rule matched. It does not report which list
// the rule came from. Evaluate itself never needs this detail.
func (e *Engine) MatchingRule(signature string) (model.PermissionRule, bool) {
	for _, action := range []model.RuleAction{model.ActionDeny, model.ActionAllow, model.ActionAsk} {
		for _, r := range e.rules {
			if r.Action == action && r.g.Match(signature) {
				return r.PermissionRule, true
			}
		}
	}
	for _, r := range e.defaults {
		if r.g.Match(signature) {
			return r.PermissionRule, true
		}
	}
	return model.PermissionRule{}, false
}
