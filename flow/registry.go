package flow

import (
	"fmt"
	"sync"

	"github.com/flowforge/engine/flow/store"
)

// DefinitionFactory builds a fresh FlowDefinition for one flow kind. The
// host registers one factory per kind at startup; the registry calls it
// every time a definition is needed (on submit, on resume, on recovery)
// rather than caching the result, since StepDefinition carries live
// closures that must not be shared across concurrent runs of the same
// kind.
type DefinitionFactory func() (*FlowDefinition, error)

// Registry is the process-wide, read-mostly map from flow-kind tag to
// DefinitionFactory, the tagged-variant + registry pattern. It is the only
// place, besides the Store client, that holds global mutable state; both
// are initialized at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]DefinitionFactory
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]DefinitionFactory)}
}

// Register associates kind with factory. Registering the same kind twice
// replaces the previous factory; this is normally only done at startup,
// before any flow of that kind is submitted.
func (r *Registry) Register(kind string, factory DefinitionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Build constructs a fresh FlowDefinition for kind, or ErrUnknownFlowKind
// if nothing is registered under that tag.
func (r *Registry) Build(kind string) (*FlowDefinition, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlowKind, kind)
	}
	return factory()
}

// Kinds returns every registered flow kind, for diagnostics and the admin
// surface.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}

// Rebind reconciles a freshly built FlowDefinition's steps with the
// persisted per-step state loaded from the Store: the definition supplies
// non-persistable fields (body, predicates, factories); rec already holds
// status, results, attempt counts, jump counters, and branch state, matched
// back onto the definition's steps by name. Rebind is effectively a no-op
// today because the Executor reads StepDefinition and store.StepState as
// two parallel, name-keyed structures rather than merging them into one —
// it exists as the documented seam Recovery and resume use to validate
// that every step name the persisted record references still exists in
// the freshly built definition, catching a flow-kind whose step graph
// changed underneath an in-flight flow.
func Rebind(def *FlowDefinition, rec *store.FlowRecord) error {
	for _, s := range rec.Steps {
		if _, ok := def.StepByName(s.Name); !ok {
			return fmt.Errorf("flow: persisted step %q not found in rebuilt definition for kind %q", s.Name, rec.FlowKind)
		}
	}
	return nil
}
