package polymarket

// settlements.go: resolved-market ingestion. Once the CLOB marks a market
// closed with a winning token, realized P&L is written to the settlements
// table the risk engine reads from.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
)

// RiskInvalidator drops any cached risk snapshot. Satisfied by the risk
// engine; nil is allowed.
type RiskInvalidator interface {
	Invalidate()
}

// SettlementIngester polls markets with open positions and records their
// outcomes once resolved. Settlements are append-once per condition.
type SettlementIngester struct {
	client *Client
	store  ports.Store
	risk   RiskInvalidator
}

func NewSettlementIngester(client *Client, store ports.Store, risk RiskInvalidator) *SettlementIngester {
	return &SettlementIngester{client: client, store: store, risk: risk}
}

// Run checks every position whose event has started and ingests any that
// resolved since the last pass. Returns how many settlements were written.
func (si *SettlementIngester) Run(ctx context.Context, now time.Time) (int, error) {
	jobs, err := si.store.JobsByStatus(ctx, domain.JobExecuted, domain.JobDCAActive)
	if err != nil {
		return 0, fmt.Errorf("polymarket.SettlementIngester: list jobs: %w", err)
	}

	seen := make(map[string]domain.TradeJob)
	for _, j := range jobs {
		if j.EventStart.After(now) {
			continue
		}
		if _, dup := seen[j.ConditionID]; !dup {
			seen[j.ConditionID] = j
		}
	}

	ingested := 0
	for cond, job := range seen {
		done, err := si.store.HasSettlement(ctx, cond)
		if err != nil {
			return ingested, err
		}
		if done {
			continue
		}

		ok, err := si.ingestOne(ctx, cond, job.EventID)
		if err != nil {
			slog.Warn("settlement: ingest failed", "condition", truncID(cond), "err", err)
			continue
		}
		if ok {
			ingested++
		}
	}

	if ingested > 0 && si.risk != nil {
		si.risk.Invalidate()
	}
	return ingested, nil
}

// ingestOne records one settlement if the market has resolved. Returns false
// when the market is still open or has no declared winner yet.
func (si *SettlementIngester) ingestOne(ctx context.Context, conditionID, eventID string) (bool, error) {
	raw, err := si.client.fetchMarket(ctx, conditionID)
	if err != nil {
		return false, err
	}
	if !raw.Closed {
		return false, nil
	}

	var winner string
	for _, tok := range raw.Tokens {
		if tok.Winner {
			winner = tok.Outcome
			break
		}
	}
	if winner == "" {
		// Closed but not resolved yet; the oracle can lag the market close.
		return false, nil
	}

	pnl, err := si.realizedPnL(ctx, conditionID, winner)
	if err != nil {
		return false, err
	}

	settlement := domain.Settlement{
		EventID:        eventID,
		ConditionID:    conditionID,
		WinningOutcome: winner,
		PnL:            pnl,
		SettledAt:      time.Now().UTC(),
	}
	if err := si.store.SaveSettlement(ctx, settlement); err != nil {
		return false, err
	}

	slog.Info("settlement: ingested",
		"condition", truncID(conditionID), "winner", winner, "pnl", fmt.Sprintf("%.2f", pnl))
	return true, nil
}

// realizedPnL computes the final P&L of a market across both legs. Each
// matched pair merged earlier returned the same $1 a winning share pays out,
// so the formula holds whether or not merges happened:
//
//	pnl = winning shares − total cost − merge gas
func (si *SettlementIngester) realizedPnL(ctx context.Context, conditionID, winner string) (float64, error) {
	var winnerShares, totalCost float64
	for _, role := range []domain.SignalRole{domain.RoleDirectional, domain.RoleHedge} {
		signals, err := si.store.SignalsByCondition(ctx, conditionID, role)
		if err != nil {
			return 0, err
		}
		for _, s := range signals {
			if s.State != domain.OrderFilled {
				continue
			}
			totalCost += s.Size
			if s.Outcome == winner {
				winnerShares += s.FilledShares()
			}
		}
	}

	var gas float64
	ops, err := si.store.MergeOpsByCondition(ctx, conditionID)
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		if op.Status == domain.MergeExecuted || op.Status == domain.MergeSimulated {
			gas += op.GasCostUSD
		}
	}

	return winnerShares - totalCost - gas, nil
}
