package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/pkg/schema"
)

// ErrItemInactive reports a due schedule whose item should not run, such
// as a deactivated workflow. The dispatch counts as skipped.
var ErrItemInactive = errors.New("scheduled item is inactive")

// ItemHandler fires the item a schedule points at. Fire must not wait for
// the item's work to finish; it returns an identifier of the started work.
type ItemHandler interface {
	Fire(ctx context.Context, s *schema.Schedule, asOf time.Time) (string, error)
}

// ItemHandlerFunc adapts a function into an ItemHandler.
type ItemHandlerFunc func(ctx context.Context, s *schema.Schedule, asOf time.Time) (string, error)

// Fire calls f.
func (f ItemHandlerFunc) Fire(ctx context.Context, s *schema.Schedule, asOf time.Time) (string, error) {
	return f(ctx, s, asOf)
}

// workflowItem starts a run of the scheduled workflow. The schedule's
// payload becomes the trigger payload.
type workflowItem struct {
	d *Dispatcher
}

func (w *workflowItem) Fire(ctx context.Context, s *schema.Schedule, asOf time.Time) (string, error) {
	wf, err := w.d.store.GetWorkflow(ctx, s.Item.ID)
	if err != nil {
		return "", err
	}
	if !wf.IsActive || wf.DeletedAt != nil {
		return "", ErrItemInactive
	}
	payload, err := decodePayload(s.Payload)
	if err != nil {
		return "", err
	}
	return w.d.start(ctx, engine.RunRequest{
		Workflow:     wf,
		TriggerEvent: schema.TriggerCron,
		Trigger:      schema.TriggeringObject{Kind: "schedule", ID: s.ID, Payload: payload},
		Schedule:     &engine.ScheduleRef{ID: s.ID, AsOf: asOf},
		Source:       engine.SourceSchedule,
	})
}
