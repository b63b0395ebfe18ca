// Package recurrence decides when a Schedule is due. Everything here is a
// pure function of the schedule and the instant passed in.
package recurrence

import (
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/autoflow/pkg/schema"
)

// Evaluator parses five-field cron expressions and caches the results.
// Safe for concurrent use.
type Evaluator struct {
	parser cron.Parser

	mu    sync.RWMutex
	cache map[string]cron.Schedule
}

// NewEvaluator creates an Evaluator for standard five-field expressions
// (minute hour day-of-month month day-of-week) plus @descriptors.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cache:  make(map[string]cron.Schedule),
	}
}

// Validate reports whether expr is a well-formed recurrence expression.
func (e *Evaluator) Validate(expr string) error {
	_, err := e.parse(expr)
	return err
}

// IsDue reports whether s should fire at asOf. Malformed expressions are
// never due.
func (e *Evaluator) IsDue(s *schema.Schedule, asOf time.Time) bool {
	due, _ := e.Check(s, asOf)
	return due
}

// Check is IsDue with the parse error exposed so callers can log it.
// A non-nil error always comes with due == false.
func (e *Evaluator) Check(s *schema.Schedule, asOf time.Time) (bool, error) {
	if s == nil || !s.IsActive || s.Deleted() {
		return false, nil
	}
	at := Truncate(asOf)
	start := Truncate(s.StartAt)
	if at.Before(start) {
		return false, nil
	}
	if s.EndAt != nil && at.After(Truncate(*s.EndAt)) {
		return false, nil
	}

	if s.IsOnetime {
		if s.LastRunAt != nil {
			return false, nil
		}
		return at.Equal(start), nil
	}

	// Already fired this minute.
	if s.LastRunAt != nil && !Truncate(*s.LastRunAt).Before(at) {
		return false, nil
	}

	sched, err := e.parse(s.RecurrenceExpression)
	if err != nil {
		return false, err
	}
	local := at.In(s.Location())
	return sched.Next(local.Add(-time.Second)).Equal(local), nil
}

// NextRunAt returns the next instant s will be due, or nil when it will
// never fire again. The search is anchored at max(now, last_run_at,
// start_at): past instants are never proposed and an executed instant is
// never proposed twice.
func (e *Evaluator) NextRunAt(s *schema.Schedule, now time.Time) *time.Time {
	if s == nil || !s.IsActive || s.Deleted() {
		return nil
	}
	start := Truncate(s.StartAt)
	n := Truncate(now)

	if s.IsOnetime {
		if s.LastRunAt != nil || start.Before(n) {
			return nil
		}
		if s.EndAt != nil && start.After(Truncate(*s.EndAt)) {
			return nil
		}
		return &start
	}

	sched, err := e.parse(s.RecurrenceExpression)
	if err != nil {
		return nil
	}

	// lower is inclusive, unless it comes from last_run_at.
	lower := n
	if start.After(lower) {
		lower = start
	}
	from := lower.Add(-time.Second)
	if s.LastRunAt != nil {
		last := Truncate(*s.LastRunAt)
		if !last.Before(lower) {
			from = last
		}
	}

	next := sched.Next(from.In(s.Location()))
	if next.IsZero() {
		return nil
	}
	next = next.UTC()
	if s.EndAt != nil && next.After(Truncate(*s.EndAt)) {
		return nil
	}
	return &next
}

// Truncate drops sub-minute precision and normalizes to UTC.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

func (e *Evaluator) parse(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "empty recurrence expression")
	}
	// Interval descriptors have no fixed minute to match against.
	if strings.HasPrefix(expr, "@every") {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"recurrence expression %q: @every is not supported", expr)
	}

	e.mu.RLock()
	if sched, ok := e.cache[expr]; ok {
		e.mu.RUnlock()
		return sched, nil
	}
	e.mu.RUnlock()

	sched, err := e.parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"parse recurrence expression %q: %s", expr, err.Error()).WithCause(err)
	}

	e.mu.Lock()
	e.cache[expr] = sched
	e.mu.Unlock()
	return sched, nil
}
