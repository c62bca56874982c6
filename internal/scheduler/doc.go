// Package scheduler is the trigger side of the tick pipeline: a thin layer
// over robfig/cron that fires named jobs on cron or interval schedules.
//
// It decides WHEN a firing happens, never WHETHER the work runs; that is
// the orchestrator's job (re-entry guard plus the distributed tick lock).
// The only execution policy here is overlap-skip: a firing is dropped while
// the previous run of the same job is still in flight.
package scheduler
