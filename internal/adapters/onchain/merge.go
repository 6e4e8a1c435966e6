package onchain

// merge.go: CTF mergePositions executor for Polygon. Merging converts
// matched YES+NO share pairs back into USDC.e collateral:
//
//	100 home shares + 100 away shares → $100 USDC.e
//
// Implements ports.MergeExecutor: gas estimation in USD, ERC1155 balance
// checks, and the merge transaction itself.

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	jsoniter "github.com/json-iterator/go"

	"github.com/alejandrodnm/matchbot/internal/ports"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	polygonChainID = int64(137)

	// USDC.e collateral on Polygon.
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	// Conditional Token Framework contract (ERC1155).
	ctfAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	// Exchange contracts needing ERC1155 setApprovalForAll.
	normalExchange  = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	negRiskAdapter  = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"

	// Conservative gas upper bounds.
	mergeGasLimit    = uint64(200_000)
	approvalGasLimit = uint64(80_000)

	// POL/USD fallback when no price source responds.
	polPriceFallbackUSD = 0.12

	gasPriceTTL  = 5 * time.Minute
	polPriceTTL  = 15 * time.Minute
	receiptPoll  = 3 * time.Second
	receiptLimit = 60 * time.Second
)

var ctfABI abi.ABI

func init() {
	var err error
	ctfABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "mergePositions",
			"type": "function",
			"inputs": [
				{"name": "collateralToken", "type": "address"},
				{"name": "parentCollectionId", "type": "bytes32"},
				{"name": "conditionId", "type": "bytes32"},
				{"name": "partition", "type": "uint256[]"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": []
		},
		{
			"name": "balanceOf",
			"type": "function",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "id", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "setApprovalForAll",
			"type": "function",
			"inputs": [
				{"name": "operator", "type": "address"},
				{"name": "approved", "type": "bool"}
			],
			"outputs": []
		},
		{
			"name": "isApprovedForAll",
			"type": "function",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "operator", "type": "address"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		}
	]`))
	if err != nil {
		panic("ctf abi parse: " + err.Error())
	}
}

// Merger submits mergePositions transactions from the trading wallet.
type Merger struct {
	client     *ethclient.Client
	privateKey []byte
	address    common.Address
	httpClient *http.Client

	mu           sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
	cachedPOL    float64
	polUpdatedAt time.Time
}

// NewMerger connects a merge executor to the given Polygon RPC.
func NewMerger(rpcURL, privateKeyHex string) (*Merger, error) {
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("onchain.NewMerger: decode private key: %w", err)
	}
	privKey, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewMerger: invalid private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewMerger: dial rpc: %w", err)
	}

	return &Merger{
		client:     client,
		privateKey: pkBytes,
		address:    crypto.PubkeyToAddress(privKey.PublicKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// EstimateGasUSD returns the current estimated gas cost of one merge.
func (m *Merger) EstimateGasUSD(ctx context.Context) (float64, error) {
	gasPrice, err := m.gasPrice(ctx)
	if err != nil {
		return m.polPriceUSD() * float64(mergeGasLimit) * 100e-9, nil
	}

	costWei := new(big.Int).Mul(gasPrice, big.NewInt(int64(mergeGasLimit)))
	costPOL, _ := new(big.Float).Quo(
		new(big.Float).SetInt(costWei),
		big.NewFloat(1e18),
	).Float64()
	return costPOL * m.polPriceUSD(), nil
}

// CheckBalances verifies the wallet holds at least shares of both legs on
// the CTF contract. Guards against the store and the chain disagreeing
// after partial fills.
func (m *Merger) CheckBalances(ctx context.Context, homeTokenID, awayTokenID string, shares float64) (bool, error) {
	needed := microShares(shares)
	for _, tokenID := range []string{homeTokenID, awayTokenID} {
		bal, err := m.tokenBalance(ctx, tokenID)
		if err != nil {
			return false, fmt.Errorf("onchain.CheckBalances: %w", err)
		}
		if bal.Cmp(needed) < 0 {
			slog.Warn("merge: on-chain balance below requested merge",
				"token", shortID(tokenID), "have", bal.String(), "need", needed.String())
			return false, nil
		}
	}
	return true, nil
}

func (m *Merger) tokenBalance(ctx context.Context, tokenID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", shortID(tokenID))
	}

	callData, err := ctfABI.Pack("balanceOf", m.address, id)
	if err != nil {
		return nil, err
	}

	ctfAddr := common.HexToAddress(ctfAddress)
	out, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &ctfAddr, Data: callData}, nil)
	if err != nil {
		return nil, err
	}

	vals, err := ctfABI.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return big.NewInt(0), err
	}
	return vals[0].(*big.Int), nil
}

// Merge converts matched share pairs back into collateral. NegRisk markets
// are refused: their merge path needs the adapter contract with a
// market-specific parent collection we do not track.
func (m *Merger) Merge(ctx context.Context, conditionID string, shares float64, negRisk bool) (ports.MergeReceipt, error) {
	receipt := ports.MergeReceipt{ExecutedAt: time.Now().UTC()}

	if negRisk {
		receipt.Error = "negrisk merges not supported"
		return receipt, fmt.Errorf("onchain.Merge: %s", receipt.Error)
	}

	condBytes, err := hexToBytes32(conditionID)
	if err != nil {
		receipt.Error = fmt.Sprintf("invalid condition id: %v", err)
		return receipt, fmt.Errorf("onchain.Merge: condition id: %w", err)
	}

	callData, err := ctfABI.Pack("mergePositions",
		common.HexToAddress(usdcEAddress),
		[32]byte{},
		condBytes,
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
		microShares(shares),
	)
	if err != nil {
		receipt.Error = fmt.Sprintf("pack calldata: %v", err)
		return receipt, fmt.Errorf("onchain.Merge: pack: %w", err)
	}

	signedTx, gasPrice, err := m.signTx(ctx, common.HexToAddress(ctfAddress), callData, mergeGasLimit, true)
	if err != nil {
		receipt.Error = err.Error()
		return receipt, fmt.Errorf("onchain.Merge: %w", err)
	}

	if err := m.client.SendTransaction(ctx, signedTx); err != nil {
		receipt.Error = fmt.Sprintf("send tx: %v", err)
		return receipt, fmt.Errorf("onchain.Merge: send: %w", err)
	}

	txHash := signedTx.Hash()
	receipt.TxHash = txHash.Hex()
	slog.Info("merge: transaction sent",
		"condition", shortID(conditionID), "shares", shares, "tx", receipt.TxHash)

	receiptCtx, cancel := context.WithTimeout(ctx, receiptLimit)
	defer cancel()

	mined, err := m.waitForReceipt(receiptCtx, txHash)
	if err != nil {
		// Sent but unconfirmed. The settlement accounting reconciles later,
		// so report optimistic success rather than double-merging on retry.
		slog.Warn("merge: receipt not confirmed, tx may still land",
			"tx", receipt.TxHash, "err", err)
		receipt.Success = true
		return receipt, nil
	}

	if mined.Status != types.ReceiptStatusSuccessful {
		receipt.Error = "transaction reverted"
		return receipt, fmt.Errorf("onchain.Merge: reverted: %s", receipt.TxHash)
	}

	gasCostPOL, _ := new(big.Float).Quo(
		new(big.Float).Mul(new(big.Float).SetUint64(mined.GasUsed), new(big.Float).SetInt(gasPrice)),
		big.NewFloat(1e18),
	).Float64()

	receipt.Success = true
	receipt.GasCostUSD = gasCostPOL * m.polPriceUSD()

	slog.Info("merge: confirmed",
		"condition", shortID(conditionID), "tx", receipt.TxHash,
		"gas_usd", fmt.Sprintf("%.4f", receipt.GasCostUSD))
	return receipt, nil
}

// EnsureApprovals sets ERC1155 setApprovalForAll for the exchange contracts
// if missing. Called once on startup in live mode.
func (m *Merger) EnsureApprovals(ctx context.Context) error {
	for _, op := range []string{normalExchange, negRiskExchange, negRiskAdapter} {
		operator := common.HexToAddress(op)

		approved, err := m.isApprovedForAll(ctx, operator)
		if err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: check %s: %w", op, err)
		}
		if approved {
			continue
		}

		slog.Info("merge: setting ERC1155 approval", "operator", op)
		if err := m.setApprovalForAll(ctx, operator); err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: set %s: %w", op, err)
		}
	}
	return nil
}

func (m *Merger) isApprovedForAll(ctx context.Context, operator common.Address) (bool, error) {
	callData, err := ctfABI.Pack("isApprovedForAll", m.address, operator)
	if err != nil {
		return false, err
	}

	ctfAddr := common.HexToAddress(ctfAddress)
	out, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &ctfAddr, Data: callData}, nil)
	if err != nil {
		return false, err
	}

	vals, err := ctfABI.Unpack("isApprovedForAll", out)
	if err != nil || len(vals) == 0 {
		return false, err
	}
	return vals[0].(bool), nil
}

func (m *Merger) setApprovalForAll(ctx context.Context, operator common.Address) error {
	callData, err := ctfABI.Pack("setApprovalForAll", operator, true)
	if err != nil {
		return err
	}

	signedTx, _, err := m.signTx(ctx, common.HexToAddress(ctfAddress), callData, approvalGasLimit, false)
	if err != nil {
		return err
	}
	if err := m.client.SendTransaction(ctx, signedTx); err != nil {
		return err
	}

	receiptCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	mined, err := m.waitForReceipt(receiptCtx, signedTx.Hash())
	if err != nil {
		return fmt.Errorf("wait receipt: %w", err)
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("setApprovalForAll reverted")
	}
	return nil
}

// signTx builds and signs a legacy transaction against the current nonce
// and gas price. When estimate is set, the node's estimate (plus a 20%
// buffer) replaces the static limit.
func (m *Merger) signTx(ctx context.Context, to common.Address, callData []byte, gasLimit uint64, estimate bool) (*types.Transaction, *big.Int, error) {
	privKey, err := crypto.ToECDSA(m.privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("private key: %w", err)
	}

	nonce, err := m.client.PendingNonceAt(ctx, m.address)
	if err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}

	gasPrice, err := m.gasPrice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gas price: %w", err)
	}

	if estimate {
		est, err := m.client.EstimateGas(ctx, ethereum.CallMsg{
			From: m.address, To: &to, GasPrice: gasPrice, Data: callData,
		})
		if err != nil {
			slog.Warn("merge: gas estimate failed, using static limit",
				"err", err, "limit", gasLimit)
		} else {
			gasLimit = est * 12 / 10
		}
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(polygonChainID)), privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, gasPrice, nil
}

// gasPrice returns the suggested gas price with a 10% inclusion buffer,
// cached to limit RPC chatter.
func (m *Merger) gasPrice(ctx context.Context) (*big.Int, error) {
	m.mu.RLock()
	cached := m.cachedGasWei
	updatedAt := m.gasUpdatedAt
	m.mu.RUnlock()

	if cached != nil && time.Since(updatedAt) < gasPriceTTL {
		return cached, nil
	}

	price, err := m.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return big.NewInt(30_000_000_000), nil // 30 gwei fallback
	}

	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	m.mu.Lock()
	m.cachedGasWei = buffered
	m.gasUpdatedAt = time.Now()
	m.mu.Unlock()
	return buffered, nil
}

// polPriceUSD returns the cached POL price, refreshing from CoinGecko when
// stale and falling back to the static default.
func (m *Merger) polPriceUSD() float64 {
	m.mu.RLock()
	price := m.cachedPOL
	updatedAt := m.polUpdatedAt
	m.mu.RUnlock()

	if price > 0 && time.Since(updatedAt) < polPriceTTL {
		return price
	}

	fetched, err := m.fetchPOLPrice()
	if err != nil {
		slog.Warn("merge: POL price fetch failed, using fallback", "err", err)
		if price > 0 {
			return price
		}
		return polPriceFallbackUSD
	}

	m.mu.Lock()
	m.cachedPOL = fetched
	m.polUpdatedAt = time.Now()
	m.mu.Unlock()
	return fetched
}

func (m *Merger) fetchPOLPrice() (float64, error) {
	const url = "https://api.coingecko.com/api/v3/simple/price?ids=polygon-ecosystem-token&vs_currencies=usd"

	resp, err := m.httpClient.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko status %d", resp.StatusCode)
	}

	var data map[string]map[string]float64
	if err := jsonAPI.Unmarshal(body, &data); err != nil {
		return 0, err
	}

	price, ok := data["polygon-ecosystem-token"]["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("POL price missing from response")
	}
	return price, nil
}

// waitForReceipt polls until the transaction is mined or the context dies.
func (m *Merger) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := m.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not mined yet
			}
			return receipt, nil
		}
	}
}

// microShares converts a share count to the CTF's 6-decimal base units.
func microShares(shares float64) *big.Int {
	return big.NewInt(int64(shares * 1_000_000))
}

func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}
