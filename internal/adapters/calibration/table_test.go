package calibration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alejandrodnm/matchbot/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBands() []band {
	return []band{
		{Lo: 0.50, Hi: 0.60, WinRate: 0.56},
		{Lo: 0.60, Hi: 0.70, WinRate: 0.67},
		{Lo: 0.70, Hi: 0.80, WinRate: 0.77},
	}
}

func TestTable_WinRateLookup(t *testing.T) {
	tbl, err := NewTable(testBands())
	require.NoError(t, err)

	rate, err := tbl.WinRate(0.62)
	require.NoError(t, err)
	assert.InDelta(t, 0.67, rate, 1e-9)

	// Boundaries are half-open: lo inclusive, hi exclusive.
	rate, err = tbl.WinRate(0.60)
	require.NoError(t, err)
	assert.InDelta(t, 0.67, rate, 1e-9)

	rate, err = tbl.WinRate(0.5999)
	require.NoError(t, err)
	assert.InDelta(t, 0.56, rate, 1e-9)
}

func TestTable_UncoveredPrice(t *testing.T) {
	tbl, err := NewTable(testBands())
	require.NoError(t, err)

	_, err = tbl.WinRate(0.45)
	assert.ErrorIs(t, err, ports.ErrNoBand)
	_, err = tbl.WinRate(0.80)
	assert.ErrorIs(t, err, ports.ErrNoBand, "hi edge is exclusive")
	_, _, err = tbl.Band(0.95)
	assert.ErrorIs(t, err, ports.ErrNoBand)
}

func TestTable_BandBoundaries(t *testing.T) {
	tbl, err := NewTable(testBands())
	require.NoError(t, err)

	lo, hi, err := tbl.Band(0.65)
	require.NoError(t, err)
	assert.InDelta(t, 0.60, lo, 1e-9)
	assert.InDelta(t, 0.70, hi, 1e-9)
}

func TestNewTable_Validation(t *testing.T) {
	_, err := NewTable(nil)
	assert.Error(t, err)

	_, err = NewTable([]band{{Lo: 0.6, Hi: 0.5, WinRate: 0.5}})
	assert.Error(t, err, "inverted range")

	_, err = NewTable([]band{{Lo: 0.5, Hi: 0.6, WinRate: 1.2}})
	assert.Error(t, err, "win rate outside (0, 1)")

	_, err = NewTable([]band{
		{Lo: 0.5, Hi: 0.65, WinRate: 0.55},
		{Lo: 0.6, Hi: 0.7, WinRate: 0.65},
	})
	assert.Error(t, err, "overlapping bands")
}

func TestLoadTable_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bands:
  - lo: 0.50
    hi: 0.60
    win_rate: 0.56
  - lo: 0.60
    hi: 0.70
    win_rate: 0.67
`), 0o644))

	tbl, err := LoadTable(path)
	require.NoError(t, err)

	rate, err := tbl.WinRate(0.55)
	require.NoError(t, err)
	assert.InDelta(t, 0.56, rate, 1e-9)

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
