package domain

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a TradeJob.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobExecuting JobStatus = "EXECUTING"
	JobExecuted  JobStatus = "EXECUTED"
	JobDCAActive JobStatus = "DCA_ACTIVE"
	JobSkipped   JobStatus = "SKIPPED"
	JobFailed    JobStatus = "FAILED"
	JobExpired   JobStatus = "EXPIRED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether a job in this status will never execute again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobExecuted, JobSkipped, JobExpired, JobCancelled:
		return true
	}
	return false
}

// jobTransitions is the closed set of legal status moves. Anything not
// listed here is a programming error, not a data condition.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:   {JobExecuting, JobExpired, JobCancelled},
	JobExecuting: {JobExecuted, JobDCAActive, JobSkipped, JobFailed, JobPending},
	JobFailed:    {JobPending, JobExecuting, JobExpired, JobCancelled},
	JobDCAActive: {JobExecuted, JobCancelled},
	JobExecuted:  {JobDCAActive},
}

// CanTransition reports whether moving from → to is a legal job transition.
func CanTransition(from, to JobStatus) bool {
	for _, t := range jobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// JobSide distinguishes the directional leg from its offsetting hedge leg.
type JobSide string

const (
	SideDirectional JobSide = "DIRECTIONAL"
	SideHedge       JobSide = "HEDGE"
)

// TradeJob is one unit of scheduled work: enter (and keep accumulating) a
// position on one side of one market. Unique per (condition, side). Jobs are
// never deleted; terminal rows stay behind as the audit trail.
type TradeJob struct {
	ID          int64
	EventID     string // game/event identity from the schedule feed
	ConditionID string // settlement unit on the CTF
	HomeLabel   string
	AwayLabel   string
	EventStart  time.Time

	ExecuteAfter  time.Time
	ExecuteBefore time.Time

	Status     JobStatus
	Side       JobSide
	RetryCount int
	Reason     string // human-readable cause of the last terminal/failed move
	SignalID   string // last signal recorded by this job, if any

	// DCA sub-state: budget and schedule decided once at entry.
	DCAEntries     int
	DCAMaxEntries  int
	DCAGroupID     string
	DCATotalBudget float64
	DCASliceSize   float64

	// Bothside linkage.
	BothsideGroupID string
	PairedJobID     int64 // 0 when this job has no opposite leg

	// Merge sub-state, mirrored from the MergeOperation for quick scans.
	MergeStatus      MergeStatus
	MergeOperationID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InWindow reports whether now falls inside [ExecuteAfter, ExecuteBefore).
func (j TradeJob) InWindow(now time.Time) bool {
	return !now.Before(j.ExecuteAfter) && now.Before(j.ExecuteBefore)
}

// WindowClosed reports whether the execution window has passed.
func (j TradeJob) WindowClosed(now time.Time) bool {
	return !now.Before(j.ExecuteBefore)
}

// Key identifies the unique (condition, side) slot this job occupies.
func (j TradeJob) Key() string {
	return fmt.Sprintf("%s/%s", j.ConditionID, j.Side)
}
