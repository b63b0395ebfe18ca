package schema

import (
	"encoding/json"
	"time"
)

// ItemKind identifies what a Schedule fires.
type ItemKind string

const (
	ItemKindWorkflow ItemKind = "workflow"
	ItemKindTask     ItemKind = "task"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool {
	return k == ItemKindWorkflow || k == ItemKindTask
}

// ScheduledItem is the polymorphic target of a Schedule.
type ScheduledItem struct {
	Kind ItemKind `json:"kind"`
	ID   string   `json:"id"`
}

// Schedule is a recurrence rule bound to exactly one scheduled item.
//
// A one-time schedule ignores RecurrenceExpression and fires at StartAt only.
// LastRunAt is written by the dispatcher (claim-then-run) and is the only
// field mutated after creation apart from activation and tombstoning.
type Schedule struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	Item                 ScheduledItem   `json:"item"`
	StartAt              time.Time       `json:"start_at"`
	EndAt                *time.Time      `json:"end_at,omitempty"`
	RecurrenceExpression string          `json:"recurrence_expression,omitempty"`
	Timezone             string          `json:"timezone,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	IsActive             bool            `json:"is_active"`
	IsOnetime            bool            `json:"is_onetime"`
	LastRunAt            *time.Time      `json:"last_run_at,omitempty"`
	Revision             int64           `json:"revision"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	DeletedAt            *time.Time      `json:"deleted_at,omitempty"`
}

// Location returns the schedule's time zone, falling back to UTC when the
// zone is empty or unknown.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Deleted reports whether the schedule has been tombstoned.
func (s *Schedule) Deleted() bool {
	return s.DeletedAt != nil
}
