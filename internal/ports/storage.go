package ports

import (
	"context"
	"errors"
	"time"

	"github.com/alejandrodnm/matchbot/internal/domain"
)

// ErrConflict is returned when an insert loses a uniqueness race against an
// overlapping tick. Callers treat it as "the other tick got here first" and
// back off without placing anything.
var ErrConflict = errors.New("conflicting concurrent write")

// JobStore is durable CRUD over TradeJob rows. Implementations must
// guarantee UNIQUE(condition_id, side) and atomic status swaps; the swap is
// the engine's mutual-exclusion mechanism for dispatch.
type JobStore interface {
	// UpsertPendingJob creates a pending job for (condition, side) if none
	// exists. If a pre-execution job already exists and the event time
	// moved (postponement), only the execution window is updated.
	UpsertPendingJob(ctx context.Context, job domain.TradeJob) (domain.TradeJob, error)

	GetJob(ctx context.Context, id int64) (domain.TradeJob, error)
	GetJobByKey(ctx context.Context, conditionID string, side domain.JobSide) (*domain.TradeJob, error)

	// SwapJobStatus atomically moves a job from one status to another,
	// recording reason. Returns false when the job was not in the expected
	// from status; that is how a concurrent tick loses the race, not an error.
	SwapJobStatus(ctx context.Context, id int64, from, to domain.JobStatus, reason string) (bool, error)

	// UpdateJob persists mutable job fields (retry count, DCA sub-state,
	// linkage, merge mirror). Status is not changed here.
	UpdateJob(ctx context.Context, job domain.TradeJob) error

	// JobsByStatus returns jobs in any of the given statuses, ordered by
	// event start ascending. The ordering is a contract, not an accident.
	JobsByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.TradeJob, error)

	// DispatchableJobs returns pending/failed jobs inside their execution
	// window with retry_count < maxRetries, ordered by event start.
	DispatchableJobs(ctx context.Context, now time.Time, maxRetries int) ([]domain.TradeJob, error)
}

// SignalStore persists order attempts.
type SignalStore interface {
	// SaveSignal inserts one order attempt. At most one live signal may
	// exist per (dca_group_id, dca_sequence); a second insert for the same
	// slice returns ErrConflict. Failed and cancelled attempts do not hold
	// the slot, so a retry of the same sequence is allowed.
	SaveSignal(ctx context.Context, s domain.Signal) error
	UpdateSignalOrder(ctx context.Context, id string, state domain.OrderState, orderID string, fillPrice float64, filledAt *time.Time) error
	SignalsByCondition(ctx context.Context, conditionID string, role domain.SignalRole) ([]domain.Signal, error)
	SignalsByGroup(ctx context.Context, dcaGroupID string) ([]domain.Signal, error)
	OpenSignals(ctx context.Context) ([]domain.Signal, error)
}

// MergeStore persists merge operations.
type MergeStore interface {
	// SaveMergeOperation inserts one operation. At most one PENDING
	// operation may exist per condition; a second returns ErrConflict.
	SaveMergeOperation(ctx context.Context, op domain.MergeOperation) error
	// FinishMergeOperation moves a pending operation to its final status.
	// Rows are immutable once status leaves PENDING.
	FinishMergeOperation(ctx context.Context, op domain.MergeOperation) error
	MergeOpsByCondition(ctx context.Context, conditionID string) ([]domain.MergeOperation, error)
}

// GroupStore persists position groups and their per-tick audit trail.
type GroupStore interface {
	UpsertGroup(ctx context.Context, g domain.PositionGroup) error
	GetGroup(ctx context.Context, conditionID string) (*domain.PositionGroup, error)
	ActiveGroups(ctx context.Context) ([]domain.PositionGroup, error)
	SaveGroupTransition(ctx context.Context, t domain.GroupTransition) error
}

// RiskStore reads the settled-outcome history the risk engine is computed
// from, and persists its append-only snapshots.
type RiskStore interface {
	SaveRiskSnapshot(ctx context.Context, s domain.RiskSnapshot) error
	LatestRiskSnapshot(ctx context.Context) (*domain.RiskSnapshot, error)

	SaveSettlement(ctx context.Context, s domain.Settlement) error
	// HasSettlement reports whether the condition already resolved. The
	// ingestion side uses this to keep settlements append-once.
	HasSettlement(ctx context.Context, conditionID string) (bool, error)
	// PnLSince sums settled P&L from the given instant.
	PnLSince(ctx context.Context, since time.Time) (float64, error)
	// RecentPnL returns settled P&L values, newest first, up to limit.
	RecentPnL(ctx context.Context, limit int) ([]float64, error)
	// BandOutcomes counts settled signals bought inside [lo, hi) and how
	// many of them won.
	BandOutcomes(ctx context.Context, lo, hi float64) (wins, total int, err error)
	// OpenExposure sums USDC committed to placed-or-filled, unsettled
	// signals.
	OpenExposure(ctx context.Context) (float64, error)
}

// Store bundles every persistence capability the engine consumes. One
// SQLite adapter implements all of it.
type Store interface {
	JobStore
	SignalStore
	MergeStore
	GroupStore
	RiskStore
	Close() error
}
