package domain

import "time"

// Settlement is one resolved market outcome ingested from the score feed.
// Written by the ingestion side; the risk engine only reads these.
type Settlement struct {
	ID             int64
	EventID        string
	ConditionID    string
	WinningOutcome string
	PnL            float64
	SettledAt      time.Time
}

// TickSummary is the fire-and-forget report of one scheduler tick.
type TickSummary struct {
	TickAt   time.Time
	Duration time.Duration

	JobsRefreshed  int
	JobsRecovered  int
	JobsExpired    int
	JobsDispatched int
	OrdersPlaced   int
	DCABuys        int
	HedgesOpened   int
	Merges         int
	MergeNetProfit float64

	RiskLevel  CircuitLevel
	RiskReason string

	Groups   []PositionGroup
	Warnings []string
}
