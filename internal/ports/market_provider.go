package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/matchbot/internal/domain"
)

// ErrMarketNotFound is returned when a condition ID does not resolve to a
// tradable market.
var ErrMarketNotFound = errors.New("market not found")

// MarketDataProvider fetches current prices and liquidity from the CLOB.
type MarketDataProvider interface {
	// GetQuote returns the current outcome tokens and prices for a market.
	// Returns ErrMarketNotFound when the condition ID is unknown.
	GetQuote(ctx context.Context, conditionID string) (domain.Quote, error)

	// GetOrderBook returns the current book for one outcome token.
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)
}

// ScheduleProvider lists upcoming events so the scheduler can open
// execution windows. Score/settlement ingestion lives behind the same feed
// but is consumed elsewhere.
type ScheduleProvider interface {
	// UpcomingEvents returns events starting within the given horizon,
	// soonest first.
	UpcomingEvents(ctx context.Context) ([]domain.Event, error)
}
