package polymarket

// auth.go: CLOB authentication.
//
// L1 is an EIP-712 wallet signature used once to derive API credentials.
// L2 is an HMAC-SHA256 signature over every authenticated request.

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/builder"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
)

const (
	polygonChainID = int64(137)

	clobAuthDomainName    = "ClobAuthDomain"
	clobAuthDomainVersion = "1"
	clobAuthAttestation   = "This message attests that I control the given wallet"

	// Zero taker address marks a public order.
	publicTaker = "0x0000000000000000000000000000000000000000"
)

type clobCredentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// signer holds the wallet key and the order builder shared by every
// authenticated call.
type signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	builder builder.ExchangeOrderBuilder
	creds   *clobCredentials
}

func newSigner(privateKeyHex string) (*signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		builder: builder.NewExchangeOrderBuilderImpl(big.NewInt(polygonChainID), nil),
	}, nil
}

// EnsureCreds derives API credentials via L1 auth. Called once on startup;
// the result is cached for the process lifetime.
func (tc *TradingClient) EnsureCreds(ctx context.Context) error {
	if tc.signer.creds != nil {
		return nil
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := tc.signer.signAuthAttestation(ts, "0")
	if err != nil {
		return fmt.Errorf("polymarket.EnsureCreds: sign: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		tc.clobBase+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket.EnsureCreds: request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", tc.signer.address.Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", ts)
	req.Header.Set("POLY_NONCE", "0")

	resp, err := tc.http.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket.EnsureCreds: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket.EnsureCreds: status %d: %s", resp.StatusCode, truncBody(body))
	}

	var creds clobCredentials
	if err := jsonAPI.Unmarshal(body, &creds); err != nil {
		return fmt.Errorf("polymarket.EnsureCreds: parse creds: %w", err)
	}
	tc.signer.creds = &creds
	return nil
}

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	clobAuthTypeHash = crypto.Keccak256Hash([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)",
	))
)

func clobAuthDomainSeparator() common.Hash {
	var buf []byte
	buf = append(buf, eip712DomainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobAuthDomainName)).Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobAuthDomainVersion)).Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(polygonChainID).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// signAuthAttestation produces the L1 EIP-712 signature over the ClobAuth
// typed data.
func (s *signer) signAuthAttestation(timestamp, nonce string) (string, error) {
	nonceInt, ok := new(big.Int).SetString(nonce, 10)
	if !ok {
		return "", fmt.Errorf("invalid nonce: %s", nonce)
	}

	var structBuf []byte
	structBuf = append(structBuf, clobAuthTypeHash.Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(s.address.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(timestamp)).Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(nonceInt.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(clobAuthAttestation)).Bytes()...)
	structHash := crypto.Keccak256Hash(structBuf)

	var rawBuf []byte
	rawBuf = append(rawBuf, 0x19, 0x01)
	rawBuf = append(rawBuf, clobAuthDomainSeparator().Bytes()...)
	rawBuf = append(rawBuf, structHash.Bytes()...)
	msgHash := crypto.Keccak256Hash(rawBuf)

	sig, err := crypto.Sign(msgHash.Bytes(), s.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + fmt.Sprintf("%x", sig), nil
}

// l2Headers builds the HMAC-signed headers for one authenticated request.
// The timestamp is part of the signature, so headers are rebuilt per attempt.
func (s *signer) l2Headers(method, path, body string) (map[string]string, error) {
	if s.creds == nil {
		return nil, fmt.Errorf("credentials not derived yet")
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := ts + strings.ToUpper(method) + path + body

	secret, err := base64.URLEncoding.DecodeString(s.creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    s.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    s.creds.APIKey,
		"POLY_PASSPHRASE": s.creds.Passphrase,
	}, nil
}

// buildSignedOrder creates an EIP-712 signed GTC limit buy. price and size
// are in USDC terms. Amounts use integer arithmetic because the matching
// engine verifies makerAmount == price × takerAmount exactly.
func (s *signer) buildSignedOrder(tokenID string, price, size float64, negRisk bool) (*gomodel.SignedOrder, error) {
	precision := tickPrecision(price)
	priceInt := int64(math.Round(price * float64(precision)))
	sharesCents := int64(math.Floor(size / price * 100))

	amountFactor := int64(1_000_000) / (100 * precision)
	makerAmount := sharesCents * priceInt * amountFactor
	takerAmount := sharesCents * 10000

	if makerAmount <= 0 || takerAmount <= 0 {
		return nil, fmt.Errorf("invalid amounts: maker=%d taker=%d (price=%.4f size=%.4f)",
			makerAmount, takerAmount, price, size)
	}

	contract := gomodel.CTFExchange
	if negRisk {
		contract = gomodel.NegRiskCTFExchange
	}

	order := &gomodel.OrderData{
		Maker:         s.address.Hex(),
		Taker:         publicTaker,
		TokenId:       tokenID,
		MakerAmount:   strconv.FormatInt(makerAmount, 10),
		TakerAmount:   strconv.FormatInt(takerAmount, 10),
		FeeRateBps:    "0",
		Nonce:         "0",
		Signer:        s.address.Hex(),
		Expiration:    "0",
		Side:          gomodel.BUY,
		SignatureType: gomodel.EOA,
	}

	signed, err := s.builder.BuildSignedOrder(s.key, order, contract)
	if err != nil {
		return nil, fmt.Errorf("build signed order: %w", err)
	}
	return signed, nil
}

// tickPrecision returns the multiplier matching the market's tick size:
// 0.60 → 100, 0.673 → 1000.
func tickPrecision(price float64) int64 {
	for _, prec := range []int64{100, 1000, 10000} {
		rounded := math.Round(price * float64(prec))
		if math.Abs(rounded/float64(prec)-price) < 1e-10 {
			return prec
		}
	}
	return 100
}
