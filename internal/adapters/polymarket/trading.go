package polymarket

// trading.go: authenticated order flow. TradingClient implements
// ports.OrderExecutor; AccountPreflight implements ports.Preflight.

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"

	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/alejandrodnm/matchbot/internal/ports"
)

// USDC.e collateral contract on Polygon.
const usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

// balanceOf(address) selector.
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// TradingClient signs and submits GTC limit buys to the matching engine.
type TradingClient struct {
	*Client
	signer *signer
	eth    *ethclient.Client
}

// NewTradingClient creates an authenticated client. privateKeyHex may carry
// a 0x prefix. Call EnsureCreds before placing orders.
func NewTradingClient(clobBase, gammaBase, rpcURL, privateKeyHex string) (*TradingClient, error) {
	sg, err := newSigner(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("polymarket.NewTradingClient: %w", err)
	}

	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("polymarket.NewTradingClient: dial rpc: %w", err)
	}

	return &TradingClient{
		Client: NewClient(clobBase, gammaBase),
		signer: sg,
		eth:    eth,
	}, nil
}

// Address returns the trading wallet address.
func (tc *TradingClient) Address() string { return tc.signer.address.Hex() }

// orderPayload is the wire form of a signed order.
type orderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type submitOrderRequest struct {
	Order     orderPayload `json:"order"`
	Owner     string       `json:"owner"`
	OrderType string       `json:"orderType"`
}

// PlaceLimitBuy signs and submits one GTC limit buy.
func (tc *TradingClient) PlaceLimitBuy(ctx context.Context, req ports.PlaceOrderRequest) (ports.PlacedOrder, error) {
	if err := tc.EnsureCreds(ctx); err != nil {
		return ports.PlacedOrder{}, fmt.Errorf("polymarket.PlaceLimitBuy: %w", err)
	}

	signed, err := tc.signer.buildSignedOrder(req.TokenID, req.Price, req.Size, req.NegRisk)
	if err != nil {
		return ports.PlacedOrder{}, fmt.Errorf("polymarket.PlaceLimitBuy: %w", err)
	}

	body := submitOrderRequest{
		Order:     mapSignedOrder(signed, req.TokenID),
		Owner:     tc.signer.creds.APIKey,
		OrderType: "GTC",
	}

	var resp placeOrderResponse
	if err := tc.doL2(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return ports.PlacedOrder{}, fmt.Errorf("polymarket.PlaceLimitBuy: %w", err)
	}
	if !resp.Success {
		return ports.PlacedOrder{}, fmt.Errorf("polymarket.PlaceLimitBuy: rejected: %s", resp.ErrorMsg)
	}

	taken, _ := resp.TakingAmount.Float64()
	made, _ := resp.MakingAmount.Float64()

	slog.Info("order placed",
		"token", truncID(req.TokenID), "price", req.Price, "usdc", req.Size,
		"order_id", resp.OrderID, "status", resp.Status)

	return ports.PlacedOrder{
		OrderID:     resp.OrderID,
		Status:      resp.Status,
		TakenAmount: taken,
		MadeAmount:  made,
	}, nil
}

// OrderStatus maps the matching engine's order record onto the signal
// lifecycle. A fully matched order reports the average fill price.
func (tc *TradingClient) OrderStatus(ctx context.Context, orderID string) (ports.OrderUpdate, error) {
	var raw openOrder
	if err := tc.doL2(ctx, http.MethodGet, "/data/order/"+orderID, nil, &raw); err != nil {
		return ports.OrderUpdate{}, fmt.Errorf("polymarket.OrderStatus: %s: %w", orderID, err)
	}

	update := ports.OrderUpdate{OrderID: orderID}
	price, _ := raw.Price.Float64()
	matched, _ := raw.SizeMatched.Float64()
	original, _ := raw.OriginalSize.Float64()

	switch strings.ToUpper(raw.Status) {
	case "MATCHED", "FILLED":
		now := time.Now().UTC()
		update.State = domain.OrderFilled
		update.FillPrice = price
		update.FilledAt = &now
	case "CANCELED", "CANCELLED":
		update.State = domain.OrderCancelled
	default:
		// LIVE or partially matched: still resting.
		if original > 0 && matched >= original {
			now := time.Now().UTC()
			update.State = domain.OrderFilled
			update.FillPrice = price
			update.FilledAt = &now
		} else {
			update.State = domain.OrderPlaced
		}
	}
	return update, nil
}

// CancelOrder cancels a resting order.
func (tc *TradingClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]string{"orderID": orderID}
	if err := tc.doL2(ctx, http.MethodDelete, "/order", body, nil); err != nil {
		return fmt.Errorf("polymarket.CancelOrder: %s: %w", orderID, err)
	}
	return nil
}

// OpenOrders lists every resting order for the wallet.
func (tc *TradingClient) OpenOrders(ctx context.Context) ([]openOrder, error) {
	var raw []openOrder
	if err := tc.doL2(ctx, http.MethodGet, "/data/orders", nil, &raw); err != nil {
		return nil, fmt.Errorf("polymarket.OpenOrders: %w", err)
	}
	return raw, nil
}

// CollateralBalance returns the wallet's USDC.e balance in whole USDC.
func (tc *TradingClient) CollateralBalance(ctx context.Context) (float64, error) {
	data := append(append([]byte{}, balanceOfSelector...),
		common.LeftPadBytes(tc.signer.address.Bytes(), 32)...)
	token := common.HexToAddress(usdcEAddress)

	out, err := tc.eth.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("polymarket.CollateralBalance: %w", err)
	}

	micro := new(big.Int).SetBytes(out)
	bal, _ := new(big.Float).Quo(
		new(big.Float).SetInt(micro),
		big.NewFloat(1e6),
	).Float64()
	return bal, nil
}

// doL2 executes one authenticated request with rate limiting and retries.
// HMAC headers are rebuilt each attempt so the timestamp stays fresh.
func (tc *TradingClient) doL2(ctx context.Context, method, path string, reqBody, out any) error {
	var bodyStr string
	if reqBody != nil {
		b, err := jsonAPI.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		bodyStr = string(b)
	}

	fullURL := tc.clobBase + path

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := tc.clobLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		headers, err := tc.signer.l2Headers(method, path, bodyStr)
		if err != nil {
			return err
		}

		var reader io.Reader
		if bodyStr != "" {
			reader = strings.NewReader(bodyStr)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := tc.http.Do(req)
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			tc.sleep(ctx, attempt)
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			tc.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 500:
			if attempt == maxRetries {
				return fmt.Errorf("server error %d: %s", resp.StatusCode, truncBody(respBody))
			}
			tc.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 400:
			return &apiError{Status: resp.StatusCode, Body: truncBody(respBody)}
		}

		if out != nil {
			if err := jsonAPI.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// mapSignedOrder flattens a signed order to its wire form. The token ID is
// passed through as the original string; big.Int round-tripping is avoided.
// Only buys exist in this system: exits happen by merging, never selling.
func mapSignedOrder(signed *gomodel.SignedOrder, tokenID string) orderPayload {
	return orderPayload{
		Salt:          signed.Order.Salt.String(),
		Maker:         signed.Order.Maker.Hex(),
		Signer:        signed.Order.Signer.Hex(),
		Taker:         signed.Order.Taker.Hex(),
		TokenID:       tokenID,
		MakerAmount:   signed.Order.MakerAmount.String(),
		TakerAmount:   signed.Order.TakerAmount.String(),
		Expiration:    signed.Order.Expiration.String(),
		Nonce:         signed.Order.Nonce.String(),
		FeeRateBps:    signed.Order.FeeRateBps.String(),
		Side:          "BUY",
		SignatureType: int(signed.Order.SignatureType.Int64()),
		Signature:     "0x" + hex.EncodeToString(signed.Signature),
	}
}

// AccountPreflight snapshots the account state consulted before any live
// placement: collateral on chain, resting orders on the book, and USDC
// already committed in the local store.
type AccountPreflight struct {
	trading *TradingClient
	store   ports.Store
}

func NewAccountPreflight(trading *TradingClient, store ports.Store) *AccountPreflight {
	return &AccountPreflight{trading: trading, store: store}
}

func (p *AccountPreflight) Snapshot(ctx context.Context) (ports.PreflightSnapshot, error) {
	balance, err := p.trading.CollateralBalance(ctx)
	if err != nil {
		return ports.PreflightSnapshot{}, fmt.Errorf("polymarket.Snapshot: balance: %w", err)
	}

	open, err := p.trading.OpenOrders(ctx)
	if err != nil {
		return ports.PreflightSnapshot{}, fmt.Errorf("polymarket.Snapshot: open orders: %w", err)
	}

	exposure, err := p.store.OpenExposure(ctx)
	if err != nil {
		return ports.PreflightSnapshot{}, fmt.Errorf("polymarket.Snapshot: exposure: %w", err)
	}

	return ports.PreflightSnapshot{
		Balance:         balance,
		LiveOrdersToday: len(open),
		ExposureToday:   exposure,
	}, nil
}
