package polymarket

// ws.go: live price feed over the CLOB market websocket. Prices collected
// here overlay REST quotes when fresher; the feed failing only costs
// freshness, never correctness.

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReconnectBase = 2 * time.Second
	wsReconnectMax  = time.Minute
	wsReadTimeout   = 90 * time.Second
)

type feedPrice struct {
	price float64
	at    time.Time
}

// PriceFeed maintains last trade prices per token over a market-channel
// subscription. Safe for concurrent use.
type PriceFeed struct {
	url string

	mu     sync.RWMutex
	last   map[string]feedPrice
	assets map[string]struct{}

	resub chan struct{}
}

func NewPriceFeed(url string) *PriceFeed {
	return &PriceFeed{
		url:    url,
		last:   make(map[string]feedPrice),
		assets: make(map[string]struct{}),
		resub:  make(chan struct{}, 1),
	}
}

// Subscribe adds tokens to the market-channel subscription. The connection
// resubscribes on its next cycle.
func (f *PriceFeed) Subscribe(assetIDs ...string) {
	f.mu.Lock()
	added := false
	for _, id := range assetIDs {
		if id == "" {
			continue
		}
		if _, ok := f.assets[id]; !ok {
			f.assets[id] = struct{}{}
			added = true
		}
	}
	f.mu.Unlock()

	if added {
		select {
		case f.resub <- struct{}{}:
		default:
		}
	}
}

// LastPrice returns the most recent trade price seen for a token.
func (f *PriceFeed) LastPrice(tokenID string) (float64, time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.last[tokenID]
	return p.price, p.at, ok
}

// Run connects and consumes the feed until the context is cancelled,
// reconnecting with backoff on any failure.
func (f *PriceFeed) Run(ctx context.Context) {
	backoff := wsReconnectBase
	for {
		if err := f.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("price feed: connection lost", "err", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, wsReconnectMax)
	}
}

func (f *PriceFeed) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url+"/market", nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := f.sendSubscription(conn); err != nil {
		return err
	}

	// Close the socket when the context dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-f.resub:
			// New assets arrived; drop the connection and resubscribe fresh.
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleFrame(data)
	}
}

func (f *PriceFeed) sendSubscription(conn *websocket.Conn) error {
	f.mu.RLock()
	ids := make([]string, 0, len(f.assets))
	for id := range f.assets {
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	if len(ids) == 0 {
		return nil
	}

	sub := map[string]any{"type": "market", "assets_ids": ids}
	payload, err := jsonAPI.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	slog.Debug("price feed: subscribed", "assets", len(ids))
	return nil
}

// handleFrame parses one frame. The channel multiplexes several event
// types; only trade prices matter here.
func (f *PriceFeed) handleFrame(data []byte) {
	// Frames arrive both as single objects and as arrays.
	var msgs []wsMessage
	if err := jsonAPI.Unmarshal(data, &msgs); err != nil {
		var single wsMessage
		if err := jsonAPI.Unmarshal(data, &single); err != nil {
			return
		}
		msgs = []wsMessage{single}
	}

	now := time.Now().UTC()
	for _, m := range msgs {
		if m.EventType != "last_trade_price" || m.AssetID == "" {
			continue
		}
		price := parseWSPrice(m.Price)
		if price <= 0 || price >= 1 {
			continue
		}
		f.mu.Lock()
		f.last[m.AssetID] = feedPrice{price: price, at: now}
		f.mu.Unlock()
	}
}

func parseWSPrice(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
