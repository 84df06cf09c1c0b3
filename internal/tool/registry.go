package tool

import (
	"github.com/agor-dev/agor/internal/common/apperror"
)

// Registry looks up the Adapter for a Session's agentic_tool by name.
// Grounded on a single-responsibility, name-keyed registry pattern (a name-keyed map built
// once at startup, read-only thereafter) rather than a dependency-injection
// container, since the adapter set is fixed per daemon process.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from a fixed adapter set. Registering two
// adapters under the same Name is a startup-time programmer error.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get resolves an Adapter by its agentic_tool name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, apperror.New(apperror.ValidationFailed, "unknown agentic tool: "+name)
	}
	return a, nil
}

// Names returns every registered tool name, in no particular order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
