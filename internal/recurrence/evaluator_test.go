package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func at(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func onetime(start time.Time) *schema.Schedule {
	return &schema.Schedule{ID: "s1", StartAt: start, IsActive: true, IsOnetime: true}
}

func recurring(expr string, start time.Time) *schema.Schedule {
	return &schema.Schedule{ID: "s2", StartAt: start, RecurrenceExpression: expr, IsActive: true}
}

func TestIsDue_OnetimeFiresOnceAtStart(t *testing.T) {
	e := NewEvaluator()
	s := onetime(at(2025, 1, 1, 9, 0))

	assert.True(t, e.IsDue(s, at(2025, 1, 1, 9, 0)))
	// Sub-minute jitter still lands on the same minute.
	assert.True(t, e.IsDue(s, at(2025, 1, 1, 9, 0).Add(42*time.Second)))

	last := at(2025, 1, 1, 9, 0)
	s.LastRunAt = &last
	assert.False(t, e.IsDue(s, at(2025, 1, 1, 9, 0)))
}

func TestIsDue_OnetimeExactInstantOnly(t *testing.T) {
	e := NewEvaluator()
	start := at(2025, 1, 1, 9, 0)
	s := onetime(start)

	due := 0
	for offset := -180; offset <= 180; offset++ {
		if e.IsDue(s, start.Add(time.Duration(offset)*time.Minute)) {
			due++
		}
	}
	assert.Equal(t, 1, due)
}

func TestIsDue_WeekdayMornings(t *testing.T) {
	e := NewEvaluator()
	s := recurring("0 9 * * 1-5", at(2024, 12, 1, 0, 0))

	// 2025-01-06 is a Monday.
	for day := 6; day <= 10; day++ {
		assert.True(t, e.IsDue(s, at(2025, 1, day, 9, 0)), "weekday %d", day)
		assert.False(t, e.IsDue(s, at(2025, 1, day, 10, 0)))
		assert.False(t, e.IsDue(s, at(2025, 1, day, 9, 1)))
	}
	assert.False(t, e.IsDue(s, at(2025, 1, 11, 9, 0)), "saturday")
	assert.False(t, e.IsDue(s, at(2025, 1, 12, 9, 0)), "sunday")
}

func TestIsDue_Window(t *testing.T) {
	e := NewEvaluator()
	end := at(2025, 1, 31, 23, 59)
	s := recurring("* * * * *", at(2025, 1, 1, 0, 0))
	s.EndAt = &end

	assert.False(t, e.IsDue(s, at(2024, 12, 31, 23, 59)))
	assert.True(t, e.IsDue(s, at(2025, 1, 1, 0, 0)))
	assert.True(t, e.IsDue(s, end))
	assert.False(t, e.IsDue(s, at(2025, 2, 1, 0, 0)))
}

func TestIsDue_Inactive(t *testing.T) {
	e := NewEvaluator()
	s := recurring("* * * * *", at(2025, 1, 1, 0, 0))
	s.IsActive = false
	assert.False(t, e.IsDue(s, at(2025, 1, 2, 0, 0)))

	s.IsActive = true
	deleted := at(2025, 1, 1, 12, 0)
	s.DeletedAt = &deleted
	assert.False(t, e.IsDue(s, at(2025, 1, 2, 0, 0)))
}

func TestIsDue_MalformedFailsClosed(t *testing.T) {
	e := NewEvaluator()
	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * *", "@every 5m"} {
		s := recurring(expr, at(2025, 1, 1, 0, 0))
		due, err := e.Check(s, at(2025, 1, 1, 0, 0))
		assert.False(t, due, expr)
		assert.Error(t, err, expr)
		assert.False(t, e.IsDue(s, at(2025, 1, 1, 0, 0)))
		assert.Nil(t, e.NextRunAt(s, at(2025, 1, 1, 0, 0)))
	}
}

func TestIsDue_SameMinuteNotRepeated(t *testing.T) {
	e := NewEvaluator()
	s := recurring("*/5 * * * *", at(2025, 1, 1, 0, 0))
	asOf := at(2025, 1, 1, 10, 5)
	require.True(t, e.IsDue(s, asOf))

	s.LastRunAt = &asOf
	assert.False(t, e.IsDue(s, asOf))
	assert.True(t, e.IsDue(s, at(2025, 1, 1, 10, 10)))
}

func TestIsDue_Idempotent(t *testing.T) {
	e := NewEvaluator()
	s := recurring("0 9 * * 1-5", at(2024, 1, 1, 0, 0))
	asOf := at(2025, 1, 6, 9, 0)
	first := e.IsDue(s, asOf)
	second := e.IsDue(s, asOf)
	assert.Equal(t, first, second)
	assert.Nil(t, s.LastRunAt)
}

func TestIsDue_Timezone(t *testing.T) {
	e := NewEvaluator()
	s := recurring("0 9 * * *", at(2025, 1, 1, 0, 0))
	s.Timezone = "America/New_York"

	// 09:00 EST is 14:00 UTC in January.
	assert.True(t, e.IsDue(s, at(2025, 1, 6, 14, 0)))
	assert.False(t, e.IsDue(s, at(2025, 1, 6, 9, 0)))
}

func TestNextRunAt_StrictlyAfterLastRun(t *testing.T) {
	e := NewEvaluator()
	exprs := []string{"* * * * *", "*/15 * * * *", "0 9 * * 1-5", "30 2 1 * *", "@daily"}
	asOf := at(2025, 1, 6, 9, 0)

	for _, expr := range exprs {
		s := recurring(expr, at(2024, 1, 1, 0, 0))
		for i := 0; i < 2000; i++ {
			instant := asOf.Add(time.Duration(i) * time.Minute)
			if !e.IsDue(s, instant) {
				continue
			}
			last := instant
			s.LastRunAt = &last
			next := e.NextRunAt(s, instant)
			require.NotNil(t, next, expr)
			assert.True(t, next.After(instant), "%s: next %s should be after %s", expr, next, instant)
		}
	}
}

func TestNextRunAt_Anchoring(t *testing.T) {
	e := NewEvaluator()

	t.Run("future start is inclusive", func(t *testing.T) {
		s := recurring("0 9 * * *", at(2025, 3, 1, 9, 0))
		next := e.NextRunAt(s, at(2025, 1, 1, 0, 0))
		require.NotNil(t, next)
		assert.Equal(t, at(2025, 3, 1, 9, 0), *next)
	})

	t.Run("never proposes a past instant", func(t *testing.T) {
		last := at(2024, 6, 1, 9, 0)
		s := recurring("0 9 * * *", at(2024, 1, 1, 0, 0))
		s.LastRunAt = &last
		next := e.NextRunAt(s, at(2025, 1, 1, 12, 0))
		require.NotNil(t, next)
		assert.Equal(t, at(2025, 1, 2, 9, 0), *next)
	})

	t.Run("current minute is still proposable", func(t *testing.T) {
		s := recurring("0 9 * * *", at(2024, 1, 1, 0, 0))
		next := e.NextRunAt(s, at(2025, 1, 1, 9, 0).Add(30*time.Second))
		require.NotNil(t, next)
		assert.Equal(t, at(2025, 1, 1, 9, 0), *next)
	})

	t.Run("clamped by end", func(t *testing.T) {
		end := at(2025, 1, 1, 8, 0)
		s := recurring("0 9 * * *", at(2024, 1, 1, 0, 0))
		s.EndAt = &end
		assert.Nil(t, e.NextRunAt(s, at(2025, 1, 1, 0, 0)))
	})
}

func TestNextRunAt_Onetime(t *testing.T) {
	e := NewEvaluator()
	start := at(2025, 1, 1, 9, 0)
	s := onetime(start)

	next := e.NextRunAt(s, at(2024, 12, 31, 0, 0))
	require.NotNil(t, next)
	assert.Equal(t, start, *next)

	assert.Nil(t, e.NextRunAt(s, at(2025, 1, 1, 9, 1)), "start in the past")

	s.LastRunAt = &start
	assert.Nil(t, e.NextRunAt(s, at(2024, 12, 31, 0, 0)), "already fired")
}

func TestValidate(t *testing.T) {
	e := NewEvaluator()
	assert.NoError(t, e.Validate("0 9 * * 1-5"))
	assert.NoError(t, e.Validate("@hourly"))
	assert.Error(t, e.Validate("0 9 * * * *"))
	assert.Error(t, e.Validate(""))
}
