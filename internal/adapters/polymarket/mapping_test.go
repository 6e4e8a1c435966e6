package polymarket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key, never used on a real network.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestParseOutcomes(t *testing.T) {
	home, away, ok := parseOutcomes(`["Lakers", "Celtics"]`)
	assert.True(t, ok)
	assert.Equal(t, "Lakers", home)
	assert.Equal(t, "Celtics", away)

	_, _, ok = parseOutcomes(`["Over", "Under", "Push"]`)
	assert.False(t, ok, "only binary markets qualify")

	_, _, ok = parseOutcomes(`not json`)
	assert.False(t, ok)

	_, _, ok = parseOutcomes(`["", "Celtics"]`)
	assert.False(t, ok)
}

func TestParseEventTime(t *testing.T) {
	got, ok := parseEventTime("2026-03-14T19:00:00Z")
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC), got)

	got, ok = parseEventTime("2026-03-14T19:00:00.000Z")
	assert.True(t, ok)
	assert.Equal(t, 19, got.Hour())

	_, ok = parseEventTime("")
	assert.False(t, ok)
	_, ok = parseEventTime("tomorrow")
	assert.False(t, ok)
}

func TestMapBookLevels(t *testing.T) {
	raw := []bookLevel{
		{Price: "0.58", Size: "100"},
		{Price: "0.61", Size: "40"},
		{Price: "bogus", Size: "10"},
		{Price: "0.60", Size: "0"},
	}

	bids := mapBookLevels(raw, false)
	require.Len(t, bids, 2)
	assert.InDelta(t, 0.61, bids[0].Price, 1e-9)
	assert.InDelta(t, 0.58, bids[1].Price, 1e-9)

	asks := mapBookLevels(raw, true)
	assert.InDelta(t, 0.58, asks[0].Price, 1e-9)
}

func TestMapQuote_TwoTokens(t *testing.T) {
	now := time.Now().UTC()
	q := mapQuote(clobMarket{
		ConditionID:     "0xabc",
		Active:          true,
		AcceptingOrders: true,
		NegRisk:         true,
		Tokens: []clobToken{
			{TokenID: "t1", Outcome: "Lakers", Price: 0.62},
			{TokenID: "t2", Outcome: "Celtics", Price: 0.39},
		},
	}, now)

	assert.True(t, q.Active)
	assert.True(t, q.NegRisk)
	tok, ok := q.TokenFor("Celtics")
	require.True(t, ok)
	assert.Equal(t, "t2", tok.TokenID)
	opp, ok := q.Opposite("Celtics")
	require.True(t, ok)
	assert.Equal(t, "Lakers", opp.Outcome)
}

func TestTickPrecision(t *testing.T) {
	assert.Equal(t, int64(100), tickPrecision(0.60))
	assert.Equal(t, int64(1000), tickPrecision(0.673))
	assert.Equal(t, int64(10000), tickPrecision(0.5501))
}

func TestBuildSignedOrder_ExactAmounts(t *testing.T) {
	sg, err := newSigner(testPrivateKey)
	require.NoError(t, err)

	// 21.05 USDC at 0.62: 3395 share-cents. The matching engine requires
	// makerAmount == price × takerAmount with no float drift.
	signed, err := sg.buildSignedOrder("123456", 0.62, 21.05, false)
	require.NoError(t, err)

	maker := signed.Order.MakerAmount.Int64()
	taker := signed.Order.TakerAmount.Int64()
	assert.Equal(t, int64(21_049_000), maker)
	assert.Equal(t, int64(33_950_000), taker)
	assert.NotEmpty(t, signed.Signature)
}

func TestBuildSignedOrder_RejectsDegenerateSize(t *testing.T) {
	sg, err := newSigner(testPrivateKey)
	require.NoError(t, err)

	_, err = sg.buildSignedOrder("123456", 0.62, 0.001, false)
	assert.Error(t, err, "size below one share-cent")
}
