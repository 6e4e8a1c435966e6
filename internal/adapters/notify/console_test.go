package notify_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/matchbot/internal/adapters/notify"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSummary() domain.TickSummary {
	return domain.TickSummary{
		TickAt:         time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC),
		Duration:       420 * time.Millisecond,
		JobsRefreshed:  6,
		JobsDispatched: 2,
		OrdersPlaced:   1,
		DCABuys:        1,
		RiskLevel:      domain.LevelGreen,
		Groups: []domain.PositionGroup{
			{
				ConditionID: "0xabc123def456",
				State:       domain.GroupAcquire,
				Inventory:   domain.Inventory{QDir: 30, QOpp: 10},
				DTarget:     20,
				MTarget:     20,
				EventStart:  time.Now().UTC().Add(2 * time.Hour),
			},
		},
	}
}

func TestNotifyTick_CompactLine(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, false)

	require.NoError(t, c.NotifyTick(context.Background(), sampleSummary()))

	out := buf.String()
	assert.Contains(t, out, "[18:00:00]")
	assert.Contains(t, out, "orders 1")
	assert.Contains(t, out, "dca 1")
	assert.Contains(t, out, "risk GREEN")
}

func TestNotifyTick_EventfulTickPrintsGroups(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, false)

	require.NoError(t, c.NotifyTick(context.Background(), sampleSummary()))

	out := buf.String()
	assert.Contains(t, out, "0xabc123def4...")
	assert.Contains(t, out, "ACQUIRE")
	assert.Contains(t, out, "+20.0", "signed imbalance column")
}

func TestNotifyTick_QuietTickStaysCompact(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, false)

	s := sampleSummary()
	s.OrdersPlaced = 0
	s.DCABuys = 0
	require.NoError(t, c.NotifyTick(context.Background(), s))

	assert.NotContains(t, buf.String(), "ACQUIRE", "no table on a quiet tick")
}

func TestNotifyTick_RiskReasonAndWarnings(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, false)

	s := sampleSummary()
	s.RiskLevel = domain.LevelOrange
	s.RiskReason = "daily_loss_limit"
	s.Warnings = []string{"preflight: balance fetch failed"}
	require.NoError(t, c.NotifyTick(context.Background(), s))

	out := buf.String()
	assert.Contains(t, out, "risk ORANGE (daily_loss_limit)")
	assert.Contains(t, out, "!! preflight: balance fetch failed")
}
