package domain

import (
	"strconv"
	"time"
)

// Event is one scheduled game from the schedule feed. Markets enter
// scheduling when now >= StartTime − lead.
type Event struct {
	EventID     string
	ConditionID string
	HomeLabel   string
	AwayLabel   string
	StartTime   time.Time
}

// Quote is the current tradable state of a binary market: both outcome
// tokens with their prices, plus whether the market still accepts orders.
type Quote struct {
	ConditionID string
	Home        Token
	Away        Token
	Active      bool
	NegRisk     bool
	FetchedAt   time.Time
}

// Token is one of the two outcome legs of a market.
type Token struct {
	TokenID string
	Outcome string
	Price   float64 // last mid price
}

// TokenFor returns the token whose outcome label matches, and whether it
// was found.
func (q Quote) TokenFor(outcome string) (Token, bool) {
	switch outcome {
	case q.Home.Outcome:
		return q.Home, true
	case q.Away.Outcome:
		return q.Away, true
	}
	return Token{}, false
}

// Opposite returns the other leg of the market.
func (q Quote) Opposite(outcome string) (Token, bool) {
	switch outcome {
	case q.Home.Outcome:
		return q.Away, true
	case q.Away.Outcome:
		return q.Home, true
	}
	return Token{}, false
}

// OrderBook is a liquidity snapshot for one token.
type OrderBook struct {
	TokenID string
	Bids    []BookEntry // descending price
	Asks    []BookEntry // ascending price
}

// BookEntry is one price level.
type BookEntry struct {
	Price float64
	Size  float64
}

// BestBid returns the highest bid, 0 on an empty book.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask, 0 on an empty book.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Midpoint returns the mid between best bid and best ask.
func (ob OrderBook) Midpoint() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread returns ask − bid, 0 when either side is empty.
func (ob OrderBook) Spread() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// AskDepthUSDC sums the USDC value of resting asks within tolerance of the
// best ask. This is the liquidity a limit buy can realistically take.
func (ob OrderBook) AskDepthUSDC(tolerance float64) float64 {
	best := ob.BestAsk()
	if best == 0 {
		return 0
	}
	var total float64
	for _, a := range ob.Asks {
		if a.Price-best <= tolerance {
			total += a.Size * a.Price
		}
	}
	return total
}

// ParsePrice converts an API price string to float64.
func ParsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
