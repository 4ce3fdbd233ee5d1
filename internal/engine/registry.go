package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/davidmoltin/bizflow/pkg/validator"
)

// Action is a unit of work invoked by action nodes. Execute receives the
// node config (already interpolated unless the action implements
// LazyInterpolation) and a snapshot of the execution variables.
type Action interface {
	Kind() string
	Execute(ctx context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error)
}

// ConfigValidator is implemented by actions with a typed configuration.
// It is called when a workflow is published.
type ConfigValidator interface {
	ValidateConfig(raw map[string]interface{}) error
}

// LazyInterpolation is implemented by actions that interpolate their own
// nested step configs at run time
type LazyInterpolation interface {
	InterpolatesLazily() bool
}

// ActionFunc adapts a function to the Action interface
type ActionFunc struct {
	kind string
	fn   func(ctx context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error)
}

// NewActionFunc creates an Action from a function
func NewActionFunc(kind string, fn func(ctx context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error)) *ActionFunc {
	return &ActionFunc{kind: kind, fn: fn}
}

func (a *ActionFunc) Kind() string { return a.kind }

func (a *ActionFunc) Execute(ctx context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	return a.fn(ctx, config, vars)
}

// Registry maps action kinds to implementations. Registration happens at
// startup; after Freeze the set is closed.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	frozen  bool
}

// NewRegistry creates an empty action registry
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action. Empty and duplicate kinds are rejected.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return errors.New("action is nil")
	}
	kind := action.Kind()
	if kind == "" {
		return errors.New("action kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", kind)
	}
	if _, exists := r.actions[kind]; exists {
		return fmt.Errorf("action %q already registered", kind)
	}
	r.actions[kind] = action
	return nil
}

// MustRegister registers actions and panics on the first error
func (r *Registry) MustRegister(actions ...Action) {
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Freeze closes the registry to further registration
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the action for kind or ErrUnknownActionType
func (r *Registry) Get(kind string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, kind)
	}
	return a, nil
}

// Has reports whether kind is registered
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[kind]
	return ok
}

// Kinds returns the registered kinds, sorted
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ValidateConfig checks that kind exists and, for typed actions, that raw
// decodes into a valid configuration
func (r *Registry) ValidateConfig(kind string, raw map[string]interface{}) error {
	a, err := r.Get(kind)
	if err != nil {
		return err
	}
	if v, ok := a.(ConfigValidator); ok {
		if err := v.ValidateConfig(raw); err != nil {
			return fmt.Errorf("%w: action %q: %w", ErrInvalidConfig, kind, err)
		}
	}
	return nil
}

// DecodeConfig decodes a raw config map into a typed struct using json tag
// names and validates it
func DecodeConfig(raw map[string]interface{}, dst interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           dst,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := validator.Validate(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ActionKind returns the action kind named by a node or inline step config
func ActionKind(config map[string]interface{}) string {
	for _, key := range []string{"action_type", "action", "type"} {
		if s, ok := config[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
