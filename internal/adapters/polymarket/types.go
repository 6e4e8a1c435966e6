package polymarket

import "encoding/json"

// Raw API DTOs. Domain mapping lives in mapping.go.

// clobMarket is the CLOB single-market response (GET /markets/{condition_id}).
type clobMarket struct {
	ConditionID     string      `json:"condition_id"`
	QuestionID      string      `json:"question_id"`
	Question        string      `json:"question"`
	Active          bool        `json:"active"`
	Closed          bool        `json:"closed"`
	AcceptingOrders bool        `json:"accepting_orders"`
	NegRisk         bool        `json:"neg_risk"`
	GameStartTime   string      `json:"game_start_time"`
	Tokens          []clobToken `json:"tokens"`
}

type clobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
	Winner  bool    `json:"winner"`
}

// bookResponse is one order book (GET /book?token_id=...).
type bookResponse struct {
	Market  string      `json:"market"`
	AssetID string      `json:"asset_id"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

// bookLevel carries prices as strings on the wire.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// gammaEvent is one scheduled event from the Gamma events feed.
type gammaEvent struct {
	ID        string        `json:"id"`
	Slug      string        `json:"slug"`
	Title     string        `json:"title"`
	StartDate string        `json:"startDate"`
	Closed    bool          `json:"closed"`
	Markets   []gammaMarket `json:"markets"`
}

// gammaMarket is the market metadata nested inside a Gamma event. Outcomes
// arrive as a JSON-encoded array inside a string.
type gammaMarket struct {
	ConditionID string      `json:"conditionId"`
	Question    string      `json:"question"`
	Outcomes    string      `json:"outcomes"`
	Closed      bool        `json:"closed"`
	Volume24h   json.Number `json:"volume24hr"`
}

// placeOrderResponse is the matching engine's answer to POST /order.
type placeOrderResponse struct {
	Success      bool        `json:"success"`
	ErrorMsg     string      `json:"errorMsg"`
	OrderID      string      `json:"orderID"`
	Status       string      `json:"status"`
	TakingAmount json.Number `json:"takingAmount"`
	MakingAmount json.Number `json:"makingAmount"`
}

// openOrder is one resting order (GET /data/order/{id}).
type openOrder struct {
	ID           string      `json:"id"`
	Status       string      `json:"status"`
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Price        json.Number `json:"price"`
	OriginalSize json.Number `json:"original_size"`
	SizeMatched  json.Number `json:"size_matched"`
	CreatedAt    json.Number `json:"created_at"`
}

// wsMessage is one frame from the market websocket channel.
type wsMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Market    string `json:"market"`
}
