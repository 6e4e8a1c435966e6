package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/matchbot/internal/domain"
)

// PlaceOrderRequest is sent to the CLOB order executor.
type PlaceOrderRequest struct {
	TokenID     string
	ConditionID string
	Price       float64
	Size        float64 // USDC
	NegRisk     bool
}

// PlacedOrder is the CLOB's response to a placement.
type PlacedOrder struct {
	OrderID     string
	Status      string
	TakenAmount float64 // immediately filled portion
	MadeAmount  float64 // resting in book
}

// OrderUpdate is the result of a status query for an open order.
type OrderUpdate struct {
	OrderID   string
	State     domain.OrderState
	FillPrice float64
	FilledAt  *time.Time
}

// OrderExecutor places, queries, and cancels real limit orders.
type OrderExecutor interface {
	// PlaceLimitBuy signs and submits a limit buy to the matching engine.
	PlaceLimitBuy(ctx context.Context, req PlaceOrderRequest) (PlacedOrder, error)

	// OrderStatus returns the current lifecycle state of an order.
	OrderStatus(ctx context.Context, orderID string) (OrderUpdate, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, orderID string) error
}

// MergeReceipt is the outcome of one on-chain merge submission.
type MergeReceipt struct {
	TxHash     string
	GasCostUSD float64
	Success    bool
	Error      string
	ExecutedAt time.Time
}

// MergeExecutor submits CTF mergePositions transactions. A simulated
// implementation exists for paper/dry-run modes.
type MergeExecutor interface {
	// EstimateGasUSD returns the current estimated gas cost of one merge.
	EstimateGasUSD(ctx context.Context) (float64, error)

	// CheckBalances verifies the wallet holds at least shares of both legs.
	CheckBalances(ctx context.Context, homeTokenID, awayTokenID string, shares float64) (bool, error)

	// Merge converts matched home+away share pairs back into collateral.
	Merge(ctx context.Context, conditionID string, shares float64, negRisk bool) (MergeReceipt, error)
}

// PreflightSnapshot is the account state consulted before any live order.
type PreflightSnapshot struct {
	Balance         float64
	LiveOrdersToday int
	ExposureToday   float64
}

// Preflight vetoes order placement before it is attempted.
type Preflight interface {
	Snapshot(ctx context.Context) (PreflightSnapshot, error)
}
