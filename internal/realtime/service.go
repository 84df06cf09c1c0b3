package realtime

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/auth"
	"github.com/agor-dev/agor/internal/common/apperror"
	"github.com/agor-dev/agor/internal/common/logger"
)

// Params carries everything a Service call needs beyond its payload: the
// caller's verified identity (nil for internal calls that bypass auth
// hooks, e.g. the gateway router's inbound dispatch), a validated find
// query, and a path ID for get/patch/remove.
type Params struct {
	Claims *auth.Claims
	Query  FindQuery
	ID     string
}

// Service is the up-to-five-verb surface every named real-time service
// exposes. Implementations embed Unimplemented and override only the
// verbs they support; the rest answer ValidationFailed.
type Service interface {
	Find(ctx context.Context, p Params) (any, error)
	Get(ctx context.Context, p Params) (any, error)
	Create(ctx context.Context, p Params, data []byte) (any, error)
	Patch(ctx context.Context, p Params, data []byte) (any, error)
	Remove(ctx context.Context, p Params) (any, error)
	// Schema returns the coercion table for this service's find-query
	// filter fields (never the $limit/$skip/$sort/$select operators,
	// those are handled uniformly by ValidateFindQuery).
	Schema() map[string]CoerceFunc
}

// Unimplemented answers every verb with ValidationFailed; concrete
// services embed it so a five-verb interface never forces a stub method
// body on a read-only or creation-only service.
type Unimplemented struct{}

func (Unimplemented) Find(ctx context.Context, p Params) (any, error) {
	return nil, verbUnsupported(VerbFind)
}
func (Unimplemented) Get(ctx context.Context, p Params) (any, error) {
	return nil, verbUnsupported(VerbGet)
}
func (Unimplemented) Create(ctx context.Context, p Params, data []byte) (any, error) {
	return nil, verbUnsupported(VerbCreate)
}
func (Unimplemented) Patch(ctx context.Context, p Params, data []byte) (any, error) {
	return nil, verbUnsupported(VerbPatch)
}
func (Unimplemented) Remove(ctx context.Context, p Params) (any, error) {
	return nil, verbUnsupported(VerbRemove)
}
func (Unimplemented) Schema() map[string]CoerceFunc { return nil }

func verbUnsupported(v Verb) error {
	return apperror.New(apperror.ValidationFailed, fmt.Sprintf("verb %q not supported by this service", v))
}

// registration bundles one named service with the hook set wrapping it.
type registration struct {
	service Service
	hooks   *HookSet
}

// Registry is the service-by-name lookup the framework resolves lazily at
// call time rather than at construction — the mechanism the design notes
// call for to break cyclic references (the gateway router calls the
// sessions service, which emits events the gateway itself consumes).
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*registration
	bus    *Broadcaster // fans out created/patched/removed events; nil-safe
	log    *logger.Logger
}

func NewRegistry(bus *Broadcaster, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{byName: make(map[string]*registration), bus: bus, log: log}
}

// Register adds name to the registry with an optional hook set (nil is
// treated as an empty HookSet).
func (r *Registry) Register(name string, svc Service, hooks *HookSet) {
	if hooks == nil {
		hooks = &HookSet{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = &registration{service: svc, hooks: hooks}
}

// Lookup resolves a service by name, the lazy-binding point that lets
// services reference each other (or the registry itself) without a
// construction-order dependency.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return reg.service, true
}

// Names lists every registered service name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// ParseFindQuery validates raw query values against name's schema.
func (r *Registry) ParseFindQuery(name string, raw url.Values) (FindQuery, error) {
	r.mu.RLock()
	reg, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return FindQuery{}, apperror.New(apperror.NotFound, fmt.Sprintf("no such service %q", name))
	}
	return ValidateFindQuery(raw, reg.service.Schema())
}

// Call runs one verb through name's before/after/error hook pipeline and,
// on a mutating verb's success, broadcasts a typed event to the service's
// channel subscribers.
func (r *Registry) Call(ctx context.Context, name string, verb Verb, p Params, data []byte) (any, error) {
	r.mu.RLock()
	reg, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("no such service %q", name))
	}

	hc := &HookContext{Service: name, Verb: verb, Params: p, Data: data}
	for _, before := range reg.hooks.Before {
		if err := before(ctx, hc); err != nil {
			r.runErrorHooks(ctx, reg, hc, err)
			return nil, err
		}
	}

	result, err := r.dispatch(ctx, reg.service, verb, hc.Params, data)
	hc.Result, hc.Err = result, err
	if err != nil {
		r.runErrorHooks(ctx, reg, hc, err)
		return nil, err
	}

	for _, after := range reg.hooks.After {
		if aerr := after(ctx, hc); aerr != nil {
			r.log.Warn("realtime: after-hook failed", zap.String("service", name), zap.String("verb", string(verb)), zap.Error(aerr))
		}
	}

	if r.bus != nil && verb != VerbFind && verb != VerbGet {
		r.bus.PublishEvent(name, mutationEventType(verb), hc.Result)
	}
	return hc.Result, nil
}

func (r *Registry) dispatch(ctx context.Context, svc Service, verb Verb, p Params, data []byte) (any, error) {
	switch verb {
	case VerbFind:
		return svc.Find(ctx, p)
	case VerbGet:
		return svc.Get(ctx, p)
	case VerbCreate:
		return svc.Create(ctx, p, data)
	case VerbPatch:
		return svc.Patch(ctx, p, data)
	case VerbRemove:
		return svc.Remove(ctx, p)
	default:
		return nil, apperror.New(apperror.ValidationFailed, fmt.Sprintf("unknown verb %q", verb))
	}
}

func (r *Registry) runErrorHooks(ctx context.Context, reg *registration, hc *HookContext, err error) {
	hc.Err = err
	for _, eh := range reg.hooks.Error {
		if herr := eh(ctx, hc); herr != nil {
			r.log.Warn("realtime: error-hook itself failed", zap.String("service", hc.Service), zap.Error(herr))
		}
	}
}

func mutationEventType(v Verb) string {
	switch v {
	case VerbCreate:
		return "created"
	case VerbPatch:
		return "patched"
	case VerbRemove:
		return "removed"
	default:
		return "updated"
	}
}
