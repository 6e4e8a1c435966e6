package storage

// sqlite.go implements every ports.Store capability on a single SQLite
// database (pure Go driver, no CGo).
//
// Conventions:
//   - One writer: SetMaxOpenConns(1). SQLite is single-writer anyway and
//     the engine tick is single-threaded; the cap makes that explicit.
//   - Timestamps are stored as fixed-width UTC strings so that string
//     comparison in SQL matches time comparison in Go.
//   - Jobs and merge operations are never deleted. Terminal rows are the
//     audit trail.

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
	_ "modernc.org/sqlite"
)

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. The pure Go driver exposes no typed error for it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const schema = `
-- One row per (market, side). The status column is the engine's dispatch
-- lock: the atomic swap in SwapJobStatus decides which tick runs a job.
CREATE TABLE IF NOT EXISTS trade_jobs (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id           TEXT NOT NULL,
    condition_id       TEXT NOT NULL,
    home_label         TEXT NOT NULL DEFAULT '',
    away_label         TEXT NOT NULL DEFAULT '',
    event_start        TEXT NOT NULL,
    execute_after      TEXT NOT NULL,
    execute_before     TEXT NOT NULL,
    status             TEXT NOT NULL,
    side               TEXT NOT NULL,
    retry_count        INTEGER NOT NULL DEFAULT 0,
    reason             TEXT NOT NULL DEFAULT '',
    signal_id          TEXT NOT NULL DEFAULT '',
    dca_entries        INTEGER NOT NULL DEFAULT 0,
    dca_max_entries    INTEGER NOT NULL DEFAULT 0,
    dca_group_id       TEXT NOT NULL DEFAULT '',
    dca_total_budget   REAL NOT NULL DEFAULT 0,
    dca_slice_size     REAL NOT NULL DEFAULT 0,
    bothside_group_id  TEXT NOT NULL DEFAULT '',
    paired_job_id      INTEGER NOT NULL DEFAULT 0,
    merge_status       TEXT NOT NULL DEFAULT '',
    merge_operation_id TEXT NOT NULL DEFAULT '',
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL,
    UNIQUE(condition_id, side)
);

-- One row per order attempt, written before placement.
CREATE TABLE IF NOT EXISTS signals (
    id                TEXT PRIMARY KEY,
    event_id          TEXT NOT NULL,
    condition_id      TEXT NOT NULL,
    token_id          TEXT NOT NULL,
    outcome           TEXT NOT NULL,
    role              TEXT NOT NULL,
    dca_sequence      INTEGER NOT NULL DEFAULT 1,
    dca_group_id      TEXT NOT NULL DEFAULT '',
    bothside_group_id TEXT NOT NULL DEFAULT '',
    req_price         REAL NOT NULL,
    fill_price        REAL NOT NULL DEFAULT 0,
    size              REAL NOT NULL,
    shares            REAL NOT NULL DEFAULT 0,
    state             TEXT NOT NULL,
    order_id          TEXT NOT NULL DEFAULT '',
    reason            TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    filled_at         TEXT
);

-- Immutable once status leaves PENDING.
CREATE TABLE IF NOT EXISTS merge_operations (
    id                TEXT PRIMARY KEY,
    condition_id      TEXT NOT NULL,
    bothside_group_id TEXT NOT NULL DEFAULT '',
    directional_job   INTEGER NOT NULL DEFAULT 0,
    hedge_job         INTEGER NOT NULL DEFAULT 0,
    dir_shares        REAL NOT NULL DEFAULT 0,
    hedge_shares      REAL NOT NULL DEFAULT 0,
    merged_shares     REAL NOT NULL DEFAULT 0,
    remainder_shares  REAL NOT NULL DEFAULT 0,
    dir_vwap          REAL NOT NULL DEFAULT 0,
    hedge_vwap        REAL NOT NULL DEFAULT 0,
    combined_vwap     REAL NOT NULL DEFAULT 0,
    gross_profit      REAL NOT NULL DEFAULT 0,
    gas_cost_usd      REAL NOT NULL DEFAULT 0,
    net_profit        REAL NOT NULL DEFAULT 0,
    status            TEXT NOT NULL,
    tx_hash           TEXT NOT NULL DEFAULT '',
    reason            TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    executed_at       TEXT
);

CREATE TABLE IF NOT EXISTS position_groups (
    condition_id TEXT PRIMARY KEY,
    event_id     TEXT NOT NULL,
    event_start  TEXT NOT NULL,
    state        TEXT NOT NULL,
    d_max        REAL NOT NULL DEFAULT 0,
    m_target     REAL NOT NULL DEFAULT 0,
    d_target     REAL NOT NULL DEFAULT 0,
    q_dir        REAL NOT NULL DEFAULT 0,
    q_opp        REAL NOT NULL DEFAULT 0,
    merged_qty   REAL NOT NULL DEFAULT 0,
    phase_time   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);

-- Per-tick audit of the group control loop, append only.
CREATE TABLE IF NOT EXISTS group_transitions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    condition_id TEXT NOT NULL,
    from_state   TEXT NOT NULL,
    to_state     TEXT NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    q_dir        REAL NOT NULL DEFAULT 0,
    q_opp        REAL NOT NULL DEFAULT 0,
    merged_qty   REAL NOT NULL DEFAULT 0,
    imbalance    REAL NOT NULL DEFAULT 0,
    mergeable    REAL NOT NULL DEFAULT 0,
    ceiling_t    REAL NOT NULL DEFAULT 0,
    at           TEXT NOT NULL
);

-- Append only; the latest row carries level and lockout forward.
CREATE TABLE IF NOT EXISTS risk_snapshots (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    computed_at        TEXT NOT NULL,
    daily_pnl          REAL NOT NULL DEFAULT 0,
    weekly_pnl         REAL NOT NULL DEFAULT 0,
    daily_loss_pct     REAL NOT NULL DEFAULT 0,
    weekly_loss_pct    REAL NOT NULL DEFAULT 0,
    consecutive_losses INTEGER NOT NULL DEFAULT 0,
    drawdown_pct       REAL NOT NULL DEFAULT 0,
    open_exposure      REAL NOT NULL DEFAULT 0,
    balance            REAL NOT NULL DEFAULT 0,
    calibration_drift  INTEGER NOT NULL DEFAULT 0,
    level              TEXT NOT NULL,
    sizing_multiplier  REAL NOT NULL DEFAULT 1,
    lockout_until      TEXT,
    flags              TEXT NOT NULL DEFAULT '',
    reason             TEXT NOT NULL DEFAULT ''
);

-- Resolved market outcomes from the score feed.
CREATE TABLE IF NOT EXISTS settlements (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id        TEXT NOT NULL,
    condition_id    TEXT NOT NULL,
    winning_outcome TEXT NOT NULL,
    pnl             REAL NOT NULL DEFAULT 0,
    settled_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status      ON trade_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_event_start ON trade_jobs(event_start);
CREATE INDEX IF NOT EXISTS idx_sig_condition    ON signals(condition_id, role);
CREATE INDEX IF NOT EXISTS idx_sig_group        ON signals(dca_group_id);
CREATE INDEX IF NOT EXISTS idx_sig_state        ON signals(state);
CREATE INDEX IF NOT EXISTS idx_merge_condition  ON merge_operations(condition_id);
CREATE INDEX IF NOT EXISTS idx_trans_condition  ON group_transitions(condition_id, at DESC);
CREATE INDEX IF NOT EXISTS idx_settle_at        ON settlements(settled_at DESC);

-- Two overlapping ticks may both decide the same DCA slice or the same
-- merge before either commits; the second insert must lose. Failed and
-- cancelled signals leave the index so the sequence can be retried.
CREATE UNIQUE INDEX IF NOT EXISTS uq_sig_dca_slice
    ON signals(dca_group_id, dca_sequence)
    WHERE dca_group_id <> '' AND state NOT IN ('FAILED', 'CANCELLED');
CREATE UNIQUE INDEX IF NOT EXISTS uq_merge_pending
    ON merge_operations(condition_id) WHERE status = 'PENDING';
`

// timeLayout is fixed width so lexicographic order equals time order.
const timeLayout = "2006-01-02 15:04:05.000000000"

// Store implements ports.Store on SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at the given DSN and applies the
// schema. Use ":memory:" for an ephemeral store.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewStore: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewStore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- jobs ---

const jobColumns = `id, event_id, condition_id, home_label, away_label,
	event_start, execute_after, execute_before, status, side, retry_count,
	reason, signal_id, dca_entries, dca_max_entries, dca_group_id,
	dca_total_budget, dca_slice_size, bothside_group_id, paired_job_id,
	merge_status, merge_operation_id, created_at, updated_at`

// UpsertPendingJob inserts the job if its (condition, side) slot is free. On
// conflict it only refreshes the execution window, and only while the
// existing job has not started executing, so a postponed event reschedules
// cleanly without disturbing live state.
func (s *Store) UpsertPendingJob(ctx context.Context, job domain.TradeJob) (domain.TradeJob, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_jobs
			(event_id, condition_id, home_label, away_label, event_start,
			 execute_after, execute_before, status, side,
			 bothside_group_id, paired_job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(condition_id, side) DO UPDATE SET
			event_start    = excluded.event_start,
			execute_after  = excluded.execute_after,
			execute_before = excluded.execute_before,
			updated_at     = excluded.updated_at
		WHERE trade_jobs.status IN ('PENDING', 'FAILED')
	`,
		job.EventID, job.ConditionID, job.HomeLabel, job.AwayLabel,
		fmtTime(job.EventStart), fmtTime(job.ExecuteAfter), fmtTime(job.ExecuteBefore),
		string(domain.JobPending), string(job.Side),
		job.BothsideGroupID, job.PairedJobID,
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return domain.TradeJob{}, fmt.Errorf("storage.UpsertPendingJob: %s: %w", job.Key(), err)
	}

	current, err := s.GetJobByKey(ctx, job.ConditionID, job.Side)
	if err != nil {
		return domain.TradeJob{}, err
	}
	if current == nil {
		return domain.TradeJob{}, fmt.Errorf("storage.UpsertPendingJob: %s: row vanished after upsert", job.Key())
	}
	return *current, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (domain.TradeJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM trade_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return domain.TradeJob{}, fmt.Errorf("storage.GetJob: id %d: %w", id, err)
	}
	return job, nil
}

func (s *Store) GetJobByKey(ctx context.Context, conditionID string, side domain.JobSide) (*domain.TradeJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM trade_jobs WHERE condition_id = ? AND side = ?`,
		conditionID, string(side))
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetJobByKey: %s/%s: %w", conditionID, side, err)
	}
	return &job, nil
}

// SwapJobStatus performs the atomic compare-and-swap on the status column.
// A false return means the row was not in the expected status, which is the
// normal way a concurrent tick loses the dispatch race.
func (s *Store) SwapJobStatus(ctx context.Context, id int64, from, to domain.JobStatus, reason string) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("storage.SwapJobStatus: id %d: illegal transition %s -> %s", id, from, to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE trade_jobs
		SET status = ?,
		    reason = CASE WHEN ? = '' THEN reason ELSE ? END,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), reason, reason, fmtTime(time.Now().UTC()), id, string(from))
	if err != nil {
		return false, fmt.Errorf("storage.SwapJobStatus: id %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage.SwapJobStatus: id %d: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// UpdateJob persists the mutable job fields. Status deliberately excluded;
// only SwapJobStatus moves it.
func (s *Store) UpdateJob(ctx context.Context, job domain.TradeJob) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trade_jobs SET
			retry_count        = ?,
			reason             = ?,
			signal_id          = ?,
			dca_entries        = ?,
			dca_max_entries    = ?,
			dca_group_id       = ?,
			dca_total_budget   = ?,
			dca_slice_size     = ?,
			bothside_group_id  = ?,
			paired_job_id      = ?,
			merge_status       = ?,
			merge_operation_id = ?,
			updated_at         = ?
		WHERE id = ?
	`,
		job.RetryCount, job.Reason, job.SignalID,
		job.DCAEntries, job.DCAMaxEntries, job.DCAGroupID,
		job.DCATotalBudget, job.DCASliceSize,
		job.BothsideGroupID, job.PairedJobID,
		string(job.MergeStatus), job.MergeOperationID,
		fmtTime(time.Now().UTC()), job.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateJob: %s: %w", job.Key(), err)
	}
	return nil
}

func (s *Store) JobsByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.TradeJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM trade_jobs
		 WHERE status IN (`+placeholders+`)
		 ORDER BY event_start ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.JobsByStatus: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) DispatchableJobs(ctx context.Context, now time.Time, maxRetries int) ([]domain.TradeJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM trade_jobs
		 WHERE status IN ('PENDING', 'FAILED')
		   AND execute_after <= ?
		   AND execute_before > ?
		   AND retry_count < ?
		 ORDER BY event_start ASC, id ASC`,
		fmtTime(now), fmtTime(now), maxRetries)
	if err != nil {
		return nil, fmt.Errorf("storage.DispatchableJobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// --- signals ---

const signalColumns = `id, event_id, condition_id, token_id, outcome, role,
	dca_sequence, dca_group_id, bothside_group_id, req_price, fill_price,
	size, shares, state, order_id, reason, created_at, filled_at`

func (s *Store) SaveSignal(ctx context.Context, sig domain.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals
			(id, event_id, condition_id, token_id, outcome, role,
			 dca_sequence, dca_group_id, bothside_group_id,
			 req_price, fill_price, size, shares, state, order_id, reason,
			 created_at, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sig.ID, sig.EventID, sig.ConditionID, sig.TokenID, sig.Outcome,
		string(sig.Role), sig.DCASequence, sig.DCAGroupID, sig.BothsideGroupID,
		sig.ReqPrice, sig.FillPrice, sig.Size, sig.Shares,
		string(sig.State), sig.OrderID, sig.Reason,
		fmtTime(sig.CreatedAt), fmtTimePtr(sig.FilledAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("storage.SaveSignal: %s: slice %s/%d: %w",
			sig.ID, sig.DCAGroupID, sig.DCASequence, ports.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("storage.SaveSignal: %s: %w", sig.ID, err)
	}
	return nil
}

// UpdateSignalOrder records the placement result or a later fill. Shares are
// derived from the committed size once a fill price is known.
func (s *Store) UpdateSignalOrder(ctx context.Context, id string, state domain.OrderState, orderID string, fillPrice float64, filledAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET
			state      = ?,
			order_id   = ?,
			fill_price = ?,
			shares     = CASE WHEN ? > 0 THEN size / ? ELSE shares END,
			filled_at  = ?
		WHERE id = ?
	`, string(state), orderID, fillPrice, fillPrice, fillPrice, fmtTimePtr(filledAt), id)
	if err != nil {
		return fmt.Errorf("storage.UpdateSignalOrder: %s: %w", id, err)
	}
	return nil
}

func (s *Store) SignalsByCondition(ctx context.Context, conditionID string, role domain.SignalRole) ([]domain.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE condition_id = ? AND role = ?
		 ORDER BY dca_sequence ASC, created_at ASC`,
		conditionID, string(role))
	if err != nil {
		return nil, fmt.Errorf("storage.SignalsByCondition: %s: %w", conditionID, err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

func (s *Store) SignalsByGroup(ctx context.Context, dcaGroupID string) ([]domain.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE dca_group_id = ?
		 ORDER BY dca_sequence ASC`, dcaGroupID)
	if err != nil {
		return nil, fmt.Errorf("storage.SignalsByGroup: %s: %w", dcaGroupID, err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// OpenSignals returns signals whose order outcome is not yet final.
func (s *Store) OpenSignals(ctx context.Context) ([]domain.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM signals
		 WHERE state IN ('PLACED', 'PAPER')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenSignals: %w", err)
	}
	defer rows.Close()
	return collectSignals(rows)
}

// --- merge operations ---

const mergeColumns = `id, condition_id, bothside_group_id, directional_job,
	hedge_job, dir_shares, hedge_shares, merged_shares, remainder_shares,
	dir_vwap, hedge_vwap, combined_vwap, gross_profit, gas_cost_usd,
	net_profit, status, tx_hash, reason, created_at, executed_at`

func (s *Store) SaveMergeOperation(ctx context.Context, op domain.MergeOperation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_operations
			(id, condition_id, bothside_group_id, directional_job, hedge_job,
			 dir_shares, hedge_shares, merged_shares, remainder_shares,
			 dir_vwap, hedge_vwap, combined_vwap, gross_profit, gas_cost_usd,
			 net_profit, status, tx_hash, reason, created_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID, op.ConditionID, op.BothsideGroupID, op.DirectionalJob, op.HedgeJob,
		op.DirShares, op.HedgeShares, op.MergedShares, op.RemainderShares,
		op.DirVWAP, op.HedgeVWAP, op.CombinedVWAP, op.GrossProfit, op.GasCostUSD,
		op.NetProfit, string(op.Status), op.TxHash, op.Reason,
		fmtTime(op.CreatedAt), fmtTimePtr(op.ExecutedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("storage.SaveMergeOperation: %s: pending merge for %s: %w",
			op.ID, op.ConditionID, ports.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("storage.SaveMergeOperation: %s: %w", op.ID, err)
	}
	return nil
}

// FinishMergeOperation moves a PENDING operation to its final status. It
// refuses to touch rows that already left PENDING.
func (s *Store) FinishMergeOperation(ctx context.Context, op domain.MergeOperation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE merge_operations SET
			status       = ?,
			tx_hash      = ?,
			reason       = ?,
			gas_cost_usd = ?,
			net_profit   = ?,
			executed_at  = ?
		WHERE id = ? AND status = 'PENDING'
	`, string(op.Status), op.TxHash, op.Reason, op.GasCostUSD, op.NetProfit,
		fmtTimePtr(op.ExecutedAt), op.ID)
	if err != nil {
		return fmt.Errorf("storage.FinishMergeOperation: %s: %w", op.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage.FinishMergeOperation: %s: rows affected: %w", op.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("storage.FinishMergeOperation: %s: operation is not pending", op.ID)
	}
	return nil
}

func (s *Store) MergeOpsByCondition(ctx context.Context, conditionID string) ([]domain.MergeOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mergeColumns+` FROM merge_operations
		 WHERE condition_id = ?
		 ORDER BY created_at ASC`, conditionID)
	if err != nil {
		return nil, fmt.Errorf("storage.MergeOpsByCondition: %s: %w", conditionID, err)
	}
	defer rows.Close()

	var ops []domain.MergeOperation
	for rows.Next() {
		var op domain.MergeOperation
		var status string
		var createdAt string
		var executedAt sql.NullString
		if err := rows.Scan(
			&op.ID, &op.ConditionID, &op.BothsideGroupID, &op.DirectionalJob, &op.HedgeJob,
			&op.DirShares, &op.HedgeShares, &op.MergedShares, &op.RemainderShares,
			&op.DirVWAP, &op.HedgeVWAP, &op.CombinedVWAP, &op.GrossProfit, &op.GasCostUSD,
			&op.NetProfit, &status, &op.TxHash, &op.Reason, &createdAt, &executedAt,
		); err != nil {
			return nil, fmt.Errorf("storage.MergeOpsByCondition: scan: %w", err)
		}
		op.Status = domain.MergeStatus(status)
		op.CreatedAt = parseTime(createdAt)
		op.ExecutedAt = parseTimePtr(executedAt)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// --- position groups ---

func (s *Store) UpsertGroup(ctx context.Context, g domain.PositionGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO position_groups
			(condition_id, event_id, event_start, state, d_max,
			 m_target, d_target, q_dir, q_opp, merged_qty, phase_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(condition_id) DO UPDATE SET
			event_start = excluded.event_start,
			state       = excluded.state,
			d_max       = excluded.d_max,
			m_target    = excluded.m_target,
			d_target    = excluded.d_target,
			q_dir       = excluded.q_dir,
			q_opp       = excluded.q_opp,
			merged_qty  = excluded.merged_qty,
			phase_time  = excluded.phase_time,
			updated_at  = excluded.updated_at
	`,
		g.ConditionID, g.EventID, fmtTime(g.EventStart), string(g.State), g.DMax,
		g.MTarget, g.DTarget, g.Inventory.QDir, g.Inventory.QOpp, g.Inventory.MergedQty,
		fmtTime(g.PhaseTime), fmtTime(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.UpsertGroup: %s: %w", g.ConditionID, err)
	}
	return nil
}

const groupColumns = `condition_id, event_id, event_start, state, d_max,
	m_target, d_target, q_dir, q_opp, merged_qty, phase_time, updated_at`

func (s *Store) GetGroup(ctx context.Context, conditionID string) (*domain.PositionGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM position_groups WHERE condition_id = ?`,
		conditionID)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.GetGroup: %s: %w", conditionID, err)
	}
	return &g, nil
}

// ActiveGroups returns every group still under control-loop supervision,
// ordered by event start. CLOSED and SAFE_STOP are frozen.
func (s *Store) ActiveGroups(ctx context.Context) ([]domain.PositionGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM position_groups
		 WHERE state NOT IN ('CLOSED', 'SAFE_STOP')
		 ORDER BY event_start ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.ActiveGroups: %w", err)
	}
	defer rows.Close()

	var groups []domain.PositionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ActiveGroups: scan: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) SaveGroupTransition(ctx context.Context, t domain.GroupTransition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_transitions
			(condition_id, from_state, to_state, reason,
			 q_dir, q_opp, merged_qty, imbalance, mergeable, ceiling_t, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ConditionID, string(t.FromState), string(t.ToState), t.Reason,
		t.QDir, t.QOpp, t.MergedQty, t.Imbalance, t.Mergeable, t.CeilingT,
		fmtTime(t.At),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveGroupTransition: %s: %w", t.ConditionID, err)
	}
	return nil
}

// --- risk ---

func (s *Store) SaveRiskSnapshot(ctx context.Context, snap domain.RiskSnapshot) error {
	drift := 0
	if snap.Inputs.CalibrationDrift {
		drift = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_snapshots
			(computed_at, daily_pnl, weekly_pnl,
			 daily_loss_pct, weekly_loss_pct, consecutive_losses, drawdown_pct,
			 open_exposure, balance, calibration_drift,
			 level, sizing_multiplier, lockout_until, flags, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		fmtTime(snap.ComputedAt), snap.DailyPnL, snap.WeeklyPnL,
		snap.Inputs.DailyLossPct, snap.Inputs.WeeklyLossPct,
		snap.Inputs.ConsecutiveLosses, snap.Inputs.DrawdownPct,
		snap.Inputs.OpenExposure, snap.Inputs.Balance, drift,
		string(snap.Level), snap.SizingMultiplier,
		fmtTimePtr(snap.LockoutUntil), strings.Join(snap.Flags, ","), snap.Reason,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveRiskSnapshot: %w", err)
	}
	return nil
}

func (s *Store) LatestRiskSnapshot(ctx context.Context) (*domain.RiskSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT computed_at, daily_pnl, weekly_pnl,
		       daily_loss_pct, weekly_loss_pct, consecutive_losses, drawdown_pct,
		       open_exposure, balance, calibration_drift,
		       level, sizing_multiplier, lockout_until, flags, reason
		FROM risk_snapshots
		ORDER BY id DESC
		LIMIT 1
	`)

	var snap domain.RiskSnapshot
	var computedAt, level, flags string
	var lockout sql.NullString
	var drift int
	err := row.Scan(
		&computedAt, &snap.DailyPnL, &snap.WeeklyPnL,
		&snap.Inputs.DailyLossPct, &snap.Inputs.WeeklyLossPct,
		&snap.Inputs.ConsecutiveLosses, &snap.Inputs.DrawdownPct,
		&snap.Inputs.OpenExposure, &snap.Inputs.Balance, &drift,
		&level, &snap.SizingMultiplier, &lockout, &flags, &snap.Reason,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.LatestRiskSnapshot: %w", err)
	}

	snap.ComputedAt = parseTime(computedAt)
	snap.Inputs.CalibrationDrift = drift == 1
	snap.Level = domain.CircuitLevel(level)
	snap.LockoutUntil = parseTimePtr(lockout)
	if flags != "" {
		snap.Flags = strings.Split(flags, ",")
	}
	return &snap, nil
}

func (s *Store) SaveSettlement(ctx context.Context, st domain.Settlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (event_id, condition_id, winning_outcome, pnl, settled_at)
		VALUES (?, ?, ?, ?, ?)
	`, st.EventID, st.ConditionID, st.WinningOutcome, st.PnL, fmtTime(st.SettledAt))
	if err != nil {
		return fmt.Errorf("storage.SaveSettlement: %s: %w", st.ConditionID, err)
	}
	return nil
}

func (s *Store) HasSettlement(ctx context.Context, conditionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settlements WHERE condition_id = ?`, conditionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.HasSettlement: %s: %w", conditionID, err)
	}
	return n > 0, nil
}

func (s *Store) PnLSince(ctx context.Context, since time.Time) (float64, error) {
	var pnl float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(pnl), 0) FROM settlements WHERE settled_at >= ?`,
		fmtTime(since)).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("storage.PnLSince: %w", err)
	}
	return pnl, nil
}

func (s *Store) RecentPnL(ctx context.Context, limit int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pnl FROM settlements ORDER BY settled_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentPnL: %w", err)
	}
	defer rows.Close()

	var pnls []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("storage.RecentPnL: scan: %w", err)
		}
		pnls = append(pnls, p)
	}
	return pnls, rows.Err()
}

// BandOutcomes joins filled signals against settlements to count realized
// outcomes for entries bought inside [lo, hi).
func (s *Store) BandOutcomes(ctx context.Context, lo, hi float64) (wins, total int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN sg.outcome = st.winning_outcome THEN 1 ELSE 0 END), 0)
		FROM signals sg
		JOIN settlements st ON st.condition_id = sg.condition_id
		WHERE sg.state = 'FILLED' AND sg.fill_price >= ? AND sg.fill_price < ?
	`, lo, hi).Scan(&total, &wins)
	if err != nil {
		return 0, 0, fmt.Errorf("storage.BandOutcomes: [%.2f, %.2f): %w", lo, hi, err)
	}
	return wins, total, nil
}

// OpenExposure sums USDC committed to submitted signals on markets that have
// not settled yet.
func (s *Store) OpenExposure(ctx context.Context) (float64, error) {
	var exposure float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size), 0)
		FROM signals
		WHERE state IN ('PAPER', 'PLACED', 'FILLED')
		  AND condition_id NOT IN (SELECT condition_id FROM settlements)
	`).Scan(&exposure)
	if err != nil {
		return 0, fmt.Errorf("storage.OpenExposure: %w", err)
	}
	return exposure, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.TradeJob, error) {
	var job domain.TradeJob
	var status, side, mergeStatus string
	var eventStart, after, before, createdAt, updatedAt string

	err := row.Scan(
		&job.ID, &job.EventID, &job.ConditionID, &job.HomeLabel, &job.AwayLabel,
		&eventStart, &after, &before, &status, &side, &job.RetryCount,
		&job.Reason, &job.SignalID, &job.DCAEntries, &job.DCAMaxEntries,
		&job.DCAGroupID, &job.DCATotalBudget, &job.DCASliceSize,
		&job.BothsideGroupID, &job.PairedJobID,
		&mergeStatus, &job.MergeOperationID, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.TradeJob{}, err
	}

	job.EventStart = parseTime(eventStart)
	job.ExecuteAfter = parseTime(after)
	job.ExecuteBefore = parseTime(before)
	job.Status = domain.JobStatus(status)
	job.Side = domain.JobSide(side)
	job.MergeStatus = domain.MergeStatus(mergeStatus)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]domain.TradeJob, error) {
	var jobs []domain.TradeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func collectSignals(rows *sql.Rows) ([]domain.Signal, error) {
	var signals []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var role, state, createdAt string
		var filledAt sql.NullString
		if err := rows.Scan(
			&sig.ID, &sig.EventID, &sig.ConditionID, &sig.TokenID, &sig.Outcome,
			&role, &sig.DCASequence, &sig.DCAGroupID, &sig.BothsideGroupID,
			&sig.ReqPrice, &sig.FillPrice, &sig.Size, &sig.Shares,
			&state, &sig.OrderID, &sig.Reason, &createdAt, &filledAt,
		); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Role = domain.SignalRole(role)
		sig.State = domain.OrderState(state)
		sig.CreatedAt = parseTime(createdAt)
		sig.FilledAt = parseTimePtr(filledAt)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

func scanGroup(row rowScanner) (domain.PositionGroup, error) {
	var g domain.PositionGroup
	var state, eventStart, phaseTime, updatedAt string
	err := row.Scan(
		&g.ConditionID, &g.EventID, &eventStart, &state, &g.DMax,
		&g.MTarget, &g.DTarget,
		&g.Inventory.QDir, &g.Inventory.QOpp, &g.Inventory.MergedQty,
		&phaseTime, &updatedAt,
	)
	if err != nil {
		return domain.PositionGroup{}, err
	}
	g.State = domain.GroupState(state)
	g.EventStart = parseTime(eventStart)
	g.PhaseTime = parseTime(phaseTime)
	g.UpdatedAt = parseTime(updatedAt)
	return g, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
