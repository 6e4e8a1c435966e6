package polymarket

// schedule.go: upcoming-event discovery via the Gamma events feed.
// Implements ports.ScheduleProvider.

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/alejandrodnm/matchbot/internal/domain"
)

const eventsPageLimit = 100

// UpcomingEvents returns events starting inside the configured horizon,
// soonest first. Events already underway are excluded; their markets are no
// longer entry candidates.
func (c *Client) UpcomingEvents(ctx context.Context) ([]domain.Event, error) {
	now := time.Now().UTC()

	params := url.Values{}
	params.Set("closed", "false")
	params.Set("order", "startDate")
	params.Set("ascending", "true")
	params.Set("limit", fmt.Sprintf("%d", eventsPageLimit))
	params.Set("start_date_min", now.Format(time.RFC3339))
	params.Set("start_date_max", now.Add(c.schedHorizon).Format(time.RFC3339))

	var raw []gammaEvent
	u := fmt.Sprintf("%s/events?%s", c.gammaBase, params.Encode())
	if err := c.get(ctx, c.gammaLimiter, u, &raw); err != nil {
		return nil, fmt.Errorf("polymarket.UpcomingEvents: %w", err)
	}

	events := mapEvents(raw)

	kept := events[:0]
	for _, ev := range events {
		if ev.StartTime.After(now) {
			kept = append(kept, ev)
		}
	}

	slog.Debug("schedule: fetched events",
		"raw", len(raw), "mapped", len(events), "upcoming", len(kept))
	return kept, nil
}
