package polymarket

// clob.go: market data against the CLOB REST API, with optional websocket
// price overlay. Implements ports.MarketDataProvider.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
)

// feedFreshness is how recent a websocket price must be to override the
// REST snapshot.
const feedFreshness = 30 * time.Second

// GetQuote fetches the current market state for a condition. Unknown
// conditions map to ports.ErrMarketNotFound so callers can expire their jobs
// instead of retrying.
func (c *Client) GetQuote(ctx context.Context, conditionID string) (domain.Quote, error) {
	raw, err := c.fetchMarket(ctx, conditionID)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
			return domain.Quote{}, fmt.Errorf("polymarket.GetQuote: %s: %w", conditionID, ports.ErrMarketNotFound)
		}
		return domain.Quote{}, fmt.Errorf("polymarket.GetQuote: %s: %w", conditionID, err)
	}
	if raw.ConditionID == "" || len(raw.Tokens) < 2 {
		return domain.Quote{}, fmt.Errorf("polymarket.GetQuote: %s: %w", conditionID, ports.ErrMarketNotFound)
	}

	q := mapQuote(raw, time.Now().UTC())
	if c.feed != nil {
		// First quote for a market enrolls its tokens; later quotes get the
		// websocket overlay.
		c.feed.Subscribe(q.Home.TokenID, q.Away.TokenID)
	}
	c.overlayFeed(&q)
	return q, nil
}

// fetchMarket returns the raw CLOB market row. The settlement ingester uses
// it directly for winner detection.
func (c *Client) fetchMarket(ctx context.Context, conditionID string) (clobMarket, error) {
	var raw clobMarket
	u := fmt.Sprintf("%s/markets/%s", c.clobBase, url.PathEscape(conditionID))
	if err := c.get(ctx, c.clobLimiter, u, &raw); err != nil {
		return clobMarket{}, err
	}
	return raw, nil
}

// overlayFeed replaces REST prices with fresher websocket trade prices.
func (c *Client) overlayFeed(q *domain.Quote) {
	if c.feed == nil {
		return
	}
	for _, tok := range []*domain.Token{&q.Home, &q.Away} {
		price, at, ok := c.feed.LastPrice(tok.TokenID)
		if !ok || time.Since(at) > feedFreshness {
			continue
		}
		slog.Debug("quote: ws price overlay",
			"token", truncID(tok.TokenID), "rest", tok.Price, "ws", price)
		tok.Price = price
	}
}

// GetOrderBook fetches the current book for one outcome token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	var raw bookResponse
	u := fmt.Sprintf("%s/book?token_id=%s", c.clobBase, url.QueryEscape(tokenID))
	if err := c.get(ctx, c.bookLimiter, u, &raw); err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket.GetOrderBook: %s: %w", truncID(tokenID), err)
	}
	if raw.AssetID == "" {
		raw.AssetID = tokenID
	}
	return mapBook(raw), nil
}

func truncID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
