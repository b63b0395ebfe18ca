package ledger

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/autoflow/pkg/schema"
)

// TransitionHook observes a persisted log status transition.
type TransitionHook func(ctx context.Context, l *schema.ExecutionLog, from, to schema.LogStatus)

// LogFSM guards ExecutionLog status transitions and notifies hooks once a
// transition is persisted.
type LogFSM struct {
	mu    sync.Mutex
	hooks []TransitionHook
}

// NewLogFSM creates a LogFSM with no hooks.
func NewLogFSM() *LogFSM {
	return &LogFSM{}
}

// OnTransition registers a hook called after every persisted transition.
func (f *LogFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Check validates from -> to without running hooks.
func (f *LogFSM) Check(l *schema.ExecutionLog, to schema.LogStatus) error {
	if !IsValidTransition(l.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid log transition: %s -> %s", l.Status, to).
			WithStep(l.StepID).
			WithDetails(map[string]any{"log_id": l.ID, "execution_id": l.ExecutionID, "from": string(l.Status), "to": string(to)})
	}
	return nil
}

// Transition validates the transition, calls persist and then runs the
// hooks.
func (f *LogFSM) Transition(ctx context.Context, l *schema.ExecutionLog, to schema.LogStatus, persist func() error) error {
	if err := f.Check(l, to); err != nil {
		return err
	}
	if err := persist(); err != nil {
		return err
	}
	from := l.Status
	l.Status = to

	f.mu.Lock()
	hooks := slices.Clone(f.hooks)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, l, from, to)
	}
	return nil
}

// IsValidTransition reports whether a log may move from one status to another.
func IsValidTransition(from, to schema.LogStatus) bool {
	return slices.Contains(ValidLogTransitions[from], to)
}

// ValidLogTransitions defines the allowed status transitions of an
// ExecutionLog. Terminal statuses have no way out.
var ValidLogTransitions = map[schema.LogStatus][]schema.LogStatus{
	schema.LogStatusPending: {schema.LogStatusRunning, schema.LogStatusSkipped, schema.LogStatusFailed},
	schema.LogStatusRunning: {schema.LogStatusSuccess, schema.LogStatusFailed},
	schema.LogStatusSuccess: {},
	schema.LogStatusFailed:  {},
	schema.LogStatusSkipped: {},
}
