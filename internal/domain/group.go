package domain

import (
	"math"
	"time"
)

// GroupState is the phase of a market's aggregate position lifecycle.
type GroupState string

const (
	GroupPlanned      GroupState = "PLANNED"
	GroupAcquire      GroupState = "ACQUIRE"
	GroupBalance      GroupState = "BALANCE"
	GroupMergeLoop    GroupState = "MERGE_LOOP"
	GroupResidualHold GroupState = "RESIDUAL_HOLD"
	GroupExit         GroupState = "EXIT"
	GroupClosed       GroupState = "CLOSED"
	GroupSafeStop     GroupState = "SAFE_STOP"
)

// Terminal reports whether the group will no longer be retargeted.
// SAFE_STOP requires an operator reset; CLOSED is the natural end.
func (s GroupState) Terminal() bool {
	return s == GroupClosed || s == GroupSafeStop
}

// Inventory is the net share position of one market, derived from filled
// signals and executed merges only. Placed-but-unfilled orders do not count.
type Inventory struct {
	QDir      float64 // directional shares held
	QOpp      float64 // opposite (hedge) shares held
	MergedQty float64 // shares already merged into collateral
}

// Imbalance is the signed directional excess d = q_dir − q_opp.
func (inv Inventory) Imbalance() float64 { return inv.QDir - inv.QOpp }

// Mergeable is the matched quantity m = min(q_dir, q_opp).
func (inv Inventory) Mergeable() float64 { return math.Min(inv.QDir, inv.QOpp) }

// PositionGroup supervises a market's net exposure over its lifetime,
// independent of the individual job rows.
type PositionGroup struct {
	ConditionID string
	EventID     string
	EventStart  time.Time

	State GroupState

	DMax    float64 // static per-market exposure ceiling on |imbalance|
	MTarget float64 // mergeable-quantity sizing target for this tick
	DTarget float64 // imbalance sizing target for this tick

	Inventory Inventory

	PhaseTime time.Time // last state-transition timestamp
	UpdatedAt time.Time
}

// DecayedCeiling computes d_max(t): constant until decayStart before the
// event, then linearly decayed to floorRatio×dMax, reaching the floor
// exactly at event start (and staying there after).
func DecayedCeiling(dMax float64, eventStart, now time.Time, decayStart time.Duration, floorRatio float64) float64 {
	floor := dMax * floorRatio
	remaining := eventStart.Sub(now)
	if remaining >= decayStart {
		return dMax
	}
	if remaining <= 0 {
		return floor
	}
	frac := float64(remaining) / float64(decayStart)
	return floor + (dMax-floor)*frac
}

// GroupTransition is the immutable per-tick audit record of the group
// control loop: written every tick, even when the state did not change.
type GroupTransition struct {
	ID          int64
	ConditionID string
	FromState   GroupState
	ToState     GroupState
	Reason      string

	QDir      float64
	QOpp      float64
	MergedQty float64
	Imbalance float64
	Mergeable float64
	CeilingT  float64 // d_max(t) at evaluation time

	At time.Time
}
