package schema

// Stream event types published while runs progress.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunResumed   = "run_resumed"

	EventLogOpened     = "log_opened"
	EventLogTransition = "log_transition"
	EventLogSealed     = "log_sealed"

	EventScheduleFired     = "schedule_fired"
	EventScheduleClaimLost = "schedule_claim_lost"
)

// Trigger event names used by the engine itself.
const (
	// TriggerCron is the trigger_event of workflows that only run from schedules.
	TriggerCron = "cron"
)
