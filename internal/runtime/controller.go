package runtime

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
)

// AnonymousControllerName labels bindings whose controller is a function value.
const AnonymousControllerName = "anonymous_controller"

// ControllerModule groups controllers, or further modules, under names that a
// dotted controller path walks through.
type ControllerModule map[string]any

// ControllerResolver finds the module registered for a controller file path.
type ControllerResolver interface {
	Lookup(path string) (any, bool)
}

// ControllerRegistry is an in-memory ControllerResolver. Host applications
// register their modules under the path a string controller resolves to.
type ControllerRegistry struct {
	mu      sync.RWMutex
	modules map[string]any
}

// NewControllerRegistry creates an empty registry.
func NewControllerRegistry() *ControllerRegistry {
	return &ControllerRegistry{modules: make(map[string]any)}
}

// Register stores module under path. Paths are cleaned, so "./controllers/orders"
// and "controllers/orders" name the same module.
func (r *ControllerRegistry) Register(path string, module any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modules == nil {
		r.modules = make(map[string]any)
	}
	r.modules[filepath.Clean(path)] = module
}

// Lookup returns the module stored under path.
func (r *ControllerRegistry) Lookup(path string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	module, ok := r.modules[filepath.Clean(path)]
	return module, ok
}

// Paths lists the registered module paths.
func (r *ControllerRegistry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.modules))
	for p := range r.modules {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// resolveController turns a declared controller into a callable one and the
// name it is reported under. String controllers have the form "file.prop.sub":
// file is joined to dir and looked up in resolver, the rest is walked through
// nested modules.
func resolveController(declared any, dir string, resolver ControllerResolver) (Controller, string, error) {
	switch c := declared.(type) {
	case nil:
		return nil, "", errspkg.ErrControllerRequired
	case string:
		return resolveStringController(c, dir, resolver)
	}

	controller, ok := asController(declared)
	if !ok {
		return nil, "", fmt.Errorf("controller of type %T must be a function or a string", declared)
	}
	return controller, AnonymousControllerName, nil
}

func resolveStringController(path, dir string, resolver ControllerResolver) (Controller, string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, "", errspkg.ErrControllerRequired
	}
	if dir == "" {
		return nil, "", errspkg.ErrControllersDirectory
	}
	if resolver == nil {
		return nil, "", fmt.Errorf("controller %q: no controller resolver configured", path)
	}

	segments := strings.Split(path, ".")
	file := filepath.Join(dir, segments[0])
	current, ok := resolver.Lookup(file)
	if !ok {
		return nil, "", fmt.Errorf("controller %q: module %s not found", path, file)
	}

	for i, name := range segments[1:] {
		var props map[string]any
		switch m := current.(type) {
		case ControllerModule:
			props = m
		case map[string]any:
			props = m
		default:
			walked := strings.Join(segments[:i+1], ".")
			return nil, "", fmt.Errorf("controller %q: %s is not a module", path, walked)
		}
		current, ok = props[name]
		if !ok {
			return nil, "", fmt.Errorf("controller %q: property %q not found", path, name)
		}
	}

	controller, ok := asController(current)
	if !ok {
		return nil, "", fmt.Errorf("controller %q: %T is not callable", path, current)
	}
	return controller, path, nil
}

func asController(v any) (Controller, bool) {
	switch fn := v.(type) {
	case Controller:
		return fn, fn != nil
	case func(*RequestContext) error:
		return fn, fn != nil
	case AsyncController:
		if fn == nil {
			return nil, false
		}
		return FromAsyncController(fn), true
	case func(*RequestContext) <-chan error:
		if fn == nil {
			return nil, false
		}
		return FromAsyncController(fn), true
	default:
		return nil, false
	}
}
