// Package validator implements the argument validation pass (spec §4.B):
// a pure function that rejects signature-injection characters and enforces
// identifier shape for known service namespaces, before any signature is
// built from the same strings.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

// forbidden matches glob metacharacters and control characters — anything
// that could let an argument value forge a different signature than the
// one a human reviewed.
var forbidden = regexp.MustCompile(`[*?\[\](),\x00-\x1F]`)

// identifierShape is the allowed shape for identifier-keyed arguments of a
// known service namespace: a dot-qualified lowercase identifier.
var identifierShape = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z0-9_]+)?$`)

// Namespace describes a reserved tool-name prefix and the argument keys
// within it that must additionally match identifierShape.
type Namespace struct {
	Prefix         string
	IdentifierKeys map[string]struct{}
}

// Registry is the configured set of known namespaces. Reference deployments
// register the Home Assistant namespace; see DefaultRegistry.
type Registry struct {
	namespaces []Namespace
}

// NewRegistry builds a Registry from the given namespaces.
func NewRegistry(namespaces ...Namespace) *Registry {
	return &Registry{namespaces: namespaces}
}

// DefaultRegistry returns the reference namespace set: Home Assistant's
// "ha_" tools, whose entity_id/domain/service/event_type arguments must be
// shaped like dot-qualified identifiers.
func DefaultRegistry() *Registry {
	return NewRegistry(Namespace{
		Prefix: "ha_",
		IdentifierKeys: map[string]struct{}{
			"entity_id":  {},
			"domain":     {},
			"service":    {},
			"event_type": {},
		},
	})
}

// Validate checks every argument of a tool call for forbidden characters,
// rendering non-string values (numbers, bools, nested structures) the same
// way internal/signature does before checking them — a value that isn't a
// bare string must still be rejected if its rendered form could forge a
// different signature than the one a human reviewed.
func Validate(registry *Registry, tool string, args map[string]any) error {
	ns := registry.match(tool)

	for key, v := range args {
		s, isString := v.(string)
		rendered := s
		if !isString {
			rendered = fmt.Sprintf("%v", v)
		}
		if forbidden.MatchString(rendered) {
			return &model.InvalidArgumentError{
				Msg: fmt.Sprintf("argument %q contains a forbidden character", key),
			}
		}
		if !isString || ns == nil {
			continue
		}
		if _, isIdentifierKey := ns.IdentifierKeys[key]; !isIdentifierKey {
			continue
		}
		if !identifierShape.MatchString(s) {
			return &model.InvalidArgumentError{
				Msg: fmt.Sprintf("argument %q does not match the identifier shape required for %s tools", key, ns.Prefix),
			}
		}
	}
	return nil
}

func (r *Registry) match(tool string) *Namespace {
	for i := range r.namespaces {
		if strings.HasPrefix(tool, r.namespaces[i].Prefix) {
			return &r.namespaces[i]
		}
	}
	return nil
}
