package domain

import "time"

// MergeStatus is the lifecycle of an on-chain merge attempt. Rows are
// immutable once the status leaves PENDING.
type MergeStatus string

const (
	MergeNone      MergeStatus = ""
	MergePending   MergeStatus = "PENDING"
	MergeExecuted  MergeStatus = "EXECUTED"
	MergeSimulated MergeStatus = "SIMULATED"
	MergeFailed    MergeStatus = "FAILED"
)

// MergeOperation records one executed or attempted merge of matched
// home+away share pairs back into collateral.
type MergeOperation struct {
	ID              string // uuid
	ConditionID     string
	BothsideGroupID string
	DirectionalJob  int64
	HedgeJob        int64

	DirShares       float64
	HedgeShares     float64
	MergedShares    float64 // min(dir, hedge), floored to whole sets
	RemainderShares float64 // abs(dir-hedge) left unmatched

	DirVWAP      float64
	HedgeVWAP    float64
	CombinedVWAP float64 // dir + hedge; < 1.0 means profitable before gas

	GrossProfit float64 // merged × (1 − combined VWAP)
	GasCostUSD  float64
	NetProfit   float64

	Status MergeStatus
	TxHash string
	Reason string

	CreatedAt  time.Time
	ExecutedAt *time.Time
}
