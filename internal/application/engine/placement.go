package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
)

// Outcome is what an executor resolved a dispatched job to this tick.
type Outcome struct {
	OrderPlaced bool
	Status      domain.JobStatus
	Reason      string
	Err         error
}

func skipped(reason string) Outcome {
	return Outcome{Status: domain.JobSkipped, Reason: reason}
}

func failed(reason string, err error) Outcome {
	return Outcome{Status: domain.JobFailed, Reason: reason, Err: err}
}

// placeSignal is the one write path for orders: the signal row is persisted
// BEFORE the placement call, so a crash between the two is recoverable.
// Recovery assumes the money may be spent and never re-places. The signal
// is then updated with the placement result.
func placeSignal(
	ctx context.Context,
	store ports.Store,
	orders ports.OrderExecutor,
	paper bool,
	sig *domain.Signal,
	negRisk bool,
) error {
	now := time.Now().UTC()
	sig.CreatedAt = now
	if paper {
		sig.State = domain.OrderPaper
	} else {
		sig.State = domain.OrderPlaced
	}

	if err := store.SaveSignal(ctx, *sig); err != nil {
		return fmt.Errorf("save signal: %w", err)
	}

	if paper {
		// Simulated fill at the requested price.
		sig.State = domain.OrderFilled
		sig.FillPrice = sig.ReqPrice
		sig.FilledAt = &now
		if err := store.UpdateSignalOrder(ctx, sig.ID, domain.OrderFilled, "paper", sig.ReqPrice, &now); err != nil {
			return fmt.Errorf("record paper fill: %w", err)
		}
		return nil
	}

	placed, err := orders.PlaceLimitBuy(ctx, ports.PlaceOrderRequest{
		TokenID:     sig.TokenID,
		ConditionID: sig.ConditionID,
		Price:       sig.ReqPrice,
		Size:        sig.Size,
		NegRisk:     negRisk,
	})
	if err != nil {
		if uerr := store.UpdateSignalOrder(ctx, sig.ID, domain.OrderFailed, "", 0, nil); uerr != nil {
			slog.Warn("exec: could not mark signal failed", "signal", sig.ID, "err", uerr)
		}
		return fmt.Errorf("place order: %w", err)
	}

	state := domain.OrderPlaced
	var fillPrice float64
	var filledAt *time.Time
	if placed.TakenAmount >= sig.Size-1e-9 {
		state = domain.OrderFilled
		fillPrice = sig.ReqPrice
		filledAt = &now
	}
	sig.State = state
	sig.OrderID = placed.OrderID
	sig.FillPrice = fillPrice
	sig.FilledAt = filledAt

	if err := store.UpdateSignalOrder(ctx, sig.ID, state, placed.OrderID, fillPrice, filledAt); err != nil {
		// The order is out; the sync pass will reconcile the row.
		slog.Warn("exec: could not record placement", "signal", sig.ID, "order", placed.OrderID, "err", err)
	}
	return nil
}
