package domain

import "time"

// SignalRole tags which leg of a bothside group a signal belongs to.
type SignalRole string

const (
	RoleDirectional SignalRole = "DIRECTIONAL"
	RoleHedge       SignalRole = "HEDGE"
)

// OrderState is the lifecycle of the order behind a signal.
type OrderState string

const (
	OrderPaper     OrderState = "PAPER" // recorded but never sent (paper mode)
	OrderPlaced    OrderState = "PLACED"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderFailed    OrderState = "FAILED"
)

// Submitted reports whether the order behind this state reached the matching
// engine (or was accepted by the paper simulator). Crash recovery uses this
// to decide whether an interrupted job actually spent money.
func (s OrderState) Submitted() bool {
	switch s {
	case OrderPaper, OrderPlaced, OrderFilled:
		return true
	}
	return false
}

// Signal is one actual or paper order attempt. One row per attempt, written
// before (or atomically with) placement so an interrupted tick is always
// recoverable. Never mutated after the order settles.
type Signal struct {
	ID          string // uuid
	EventID     string
	ConditionID string
	TokenID     string
	Outcome     string // label of the side bought (home/away)

	Role            SignalRole
	DCASequence     int // 1 = initial entry
	DCAGroupID      string
	BothsideGroupID string

	ReqPrice  float64
	FillPrice float64
	Size      float64 // USDC committed
	Shares    float64 // filled shares, Size/FillPrice once filled

	State   OrderState
	OrderID string // matching-engine order reference
	Reason  string

	CreatedAt time.Time
	FilledAt  *time.Time
}

// FilledShares returns the share count a filled signal contributes, zero for
// anything not filled.
func (s Signal) FilledShares() float64 {
	if s.State != OrderFilled {
		return 0
	}
	if s.Shares > 0 {
		return s.Shares
	}
	if s.FillPrice > 0 {
		return s.Size / s.FillPrice
	}
	return 0
}

// VWAP computes the volume-weighted average fill price over the given
// signals. Unfilled signals are ignored. Returns 0 when nothing is filled.
func VWAP(signals []Signal) float64 {
	var cost, shares float64
	for _, s := range signals {
		sh := s.FilledShares()
		if sh <= 0 {
			continue
		}
		cost += sh * s.FillPrice
		shares += sh
	}
	if shares <= 0 {
		return 0
	}
	return cost / shares
}
