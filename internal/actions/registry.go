package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/autoflow/pkg/schema"
)

// Registry is the thread-safe name -> Action table the engine resolves
// ACTION steps against.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// RegisterFunc registers fn under name.
func (r *Registry) RegisterFunc(name, description string, fn HandlerFunc) error {
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has no handler", name)
	}
	return r.Register(&funcAction{name: name, description: description, fn: fn})
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return action, nil
}

// Invoke resolves name, validates params and executes the action. Handler
// panics are converted to execution errors so one bad handler cannot take
// down the run.
func (r *Registry) Invoke(ctx context.Context, name string, input ActionInput) (out *ActionOutput, err error) {
	action, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	if err := action.Validate(input.Params); err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "action %q panicked: %v", name, p).
				WithCause(fmt.Errorf("%v", p))
		}
	}()
	out, err = action.Execute(ctx, input)
	if err == nil && out == nil {
		out = &ActionOutput{}
	}
	return out, err
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
