package ports

import (
	"context"

	"github.com/alejandrodnm/matchbot/internal/domain"
)

// Notifier consumes tick summaries. Fire-and-forget: the scheduler never
// blocks on, or reacts to, a notifier failure.
type Notifier interface {
	NotifyTick(ctx context.Context, summary domain.TickSummary) error
}
