package calibration

// Price-band calibration table. The table maps entry price bands to the
// win probability realized historically inside each band; fitting it is an
// offline concern, this adapter only serves lookups.

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/matchbot/internal/ports"
)

// band covers [Lo, Hi) with one expected win rate.
type band struct {
	Lo      float64 `yaml:"lo"`
	Hi      float64 `yaml:"hi"`
	WinRate float64 `yaml:"win_rate"`
}

type tableFile struct {
	Bands []band `yaml:"bands"`
}

// Table implements ports.CalibrationModel over a fixed band list.
type Table struct {
	bands []band
}

// LoadTable reads and validates a calibration table from YAML.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calibration.LoadTable: read %q: %w", path, err)
	}

	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("calibration.LoadTable: parse YAML: %w", err)
	}

	t, err := NewTable(tf.Bands)
	if err != nil {
		return nil, fmt.Errorf("calibration.LoadTable: %q: %w", path, err)
	}
	return t, nil
}

// NewTable validates the band list: each band well-formed, no overlaps.
// Gaps are allowed; prices falling in a gap return ErrNoBand.
func NewTable(bands []band) (*Table, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("empty band list")
	}

	sorted := make([]band, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })

	for i, b := range sorted {
		if b.Lo < 0 || b.Hi > 1 || b.Lo >= b.Hi {
			return nil, fmt.Errorf("band %d: invalid range [%.4f, %.4f)", i, b.Lo, b.Hi)
		}
		if b.WinRate <= 0 || b.WinRate >= 1 {
			return nil, fmt.Errorf("band %d: win rate %.4f outside (0, 1)", i, b.WinRate)
		}
		if i > 0 && b.Lo < sorted[i-1].Hi {
			return nil, fmt.Errorf("band %d overlaps band %d", i, i-1)
		}
	}
	return &Table{bands: sorted}, nil
}

// WinRate returns the expected win probability for an entry at price.
func (t *Table) WinRate(price float64) (float64, error) {
	b, ok := t.find(price)
	if !ok {
		return 0, fmt.Errorf("calibration.WinRate: price %.4f: %w", price, ports.ErrNoBand)
	}
	return b.WinRate, nil
}

// Band returns the [lo, hi) boundaries covering price.
func (t *Table) Band(price float64) (lo, hi float64, err error) {
	b, ok := t.find(price)
	if !ok {
		return 0, 0, fmt.Errorf("calibration.Band: price %.4f: %w", price, ports.ErrNoBand)
	}
	return b.Lo, b.Hi, nil
}

func (t *Table) find(price float64) (band, bool) {
	i := sort.Search(len(t.bands), func(i int) bool { return t.bands[i].Hi > price })
	if i < len(t.bands) && price >= t.bands[i].Lo && price < t.bands[i].Hi {
		return t.bands[i], true
	}
	return band{}, false
}
