package sizing

import (
	"math"
	"testing"

	"github.com/alejandrodnm/matchbot/config"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sizingCfg() config.SizingConfig {
	return config.SizingConfig{
		RiskPct:        0.02,
		HardCap:        100,
		FillPct:        0.25,
		PriceTolerance: 0.02,
		MaxSpread:      0.08,
	}
}

func TestSize_RawWinsWhenCapsAbsent(t *testing.T) {
	d := Size(sizingCfg(), Inputs{Raw: 40})
	assert.Equal(t, 40.0, d.Size)
	assert.True(t, math.IsInf(d.CapitalCap, 1))
	assert.True(t, math.IsInf(d.LiquidityCap, 1))
	assert.False(t, d.Deferred)
}

func TestSize_NeverExceedsAnyCap(t *testing.T) {
	book := &domain.OrderBook{
		Bids: []domain.BookEntry{{Price: 0.40, Size: 100}},
		Asks: []domain.BookEntry{{Price: 0.42, Size: 200}, {Price: 0.43, Size: 100}},
	}
	d := Size(sizingCfg(), Inputs{Raw: 500, Balance: 1000, Book: book})

	require.False(t, d.Deferred)
	assert.LessOrEqual(t, d.Size, d.CapitalCap)
	assert.LessOrEqual(t, d.Size, d.LiquidityCap)
	assert.LessOrEqual(t, d.Size, d.HardCap)
	assert.LessOrEqual(t, d.Size, 500.0)
	// capital cap is the binding one here: 1000 × 0.02 = 20
	assert.InDelta(t, 20.0, d.Size, 1e-9)
}

func TestSize_HardCapBinds(t *testing.T) {
	d := Size(sizingCfg(), Inputs{Raw: 5000, Balance: 100000})
	assert.InDelta(t, 100.0, d.Size, 1e-9)
}

func TestSize_WideSpreadDefers(t *testing.T) {
	book := &domain.OrderBook{
		Bids: []domain.BookEntry{{Price: 0.30, Size: 50}},
		Asks: []domain.BookEntry{{Price: 0.45, Size: 50}},
	}
	d := Size(sizingCfg(), Inputs{Raw: 50, Balance: 5000, Book: book})
	assert.Equal(t, 0.0, d.Size)
	assert.True(t, d.Deferred)
	assert.Equal(t, "spread_too_wide", d.Reason)
}

func TestBudget_SliceTimesEntriesBounded(t *testing.T) {
	for _, entries := range []int{1, 2, 3, 5, 7} {
		total, slice, d := Budget(sizingCfg(), Inputs{Raw: 90, Balance: 10000}, entries)
		require.False(t, d.Deferred)
		assert.GreaterOrEqual(t, slice, 0.0)
		assert.LessOrEqual(t, slice*float64(entries), total+1e-9,
			"entries=%d", entries)
	}
}

func TestBudget_ZeroEntriesTreatedAsOne(t *testing.T) {
	total, slice, _ := Budget(sizingCfg(), Inputs{Raw: 50}, 0)
	assert.Equal(t, total, slice)
}
