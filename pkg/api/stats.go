package api

import "time"

// JourneyStats is the funnel, completion and timing summary of a journey,
// derived purely from the event log.
type JourneyStats struct {
	JourneyID string

	TotalStarted   int64
	TotalCompleted int64
	TotalAbandoned int64

	// CompletionRate is TotalCompleted/TotalStarted, or 0 when nothing started.
	CompletionRate float64

	// Completion time statistics cover completed sessions only.
	AvgCompletionTime    time.Duration
	MedianCompletionTime time.Duration
	P90CompletionTime    time.Duration

	// PerStep is ordered by the first time each step was entered.
	PerStep []StepStats
}

// StepStats is one row of the funnel.
type StepStats struct {
	StepID         string
	EnteredCount   int64
	CompletedCount int64
	// CompletionRate is CompletedCount/EnteredCount, or 0 when never entered.
	CompletionRate float64
	// AvgTimeInStep averages entered→completed dwell over closed visits.
	AvgTimeInStep time.Duration
}

// Step returns the row for stepID.
func (s JourneyStats) Step(stepID string) (StepStats, bool) {
	for _, row := range s.PerStep {
		if row.StepID == stepID {
			return row, true
		}
	}
	return StepStats{}, false
}
