package calibration

import "context"

// NeutralAnalyzer implements ports.GameAnalyzer with no opinion: every
// event gets the identity adjustment. Stands in until a real analysis feed
// is wired.
type NeutralAnalyzer struct{}

func (NeutralAnalyzer) Adjustment(context.Context, string) (float64, error) {
	return 1.0, nil
}
