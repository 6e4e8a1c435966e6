package engine

import (
	"testing"
	"time"

	"github.com/alejandrodnm/matchbot/config"
	"github.com/alejandrodnm/matchbot/internal/domain"
	"github.com/stretchr/testify/assert"
)

func ladderConfig() config.DCAConfig {
	return config.DCAConfig{
		MaxEntries:         3,
		MinIntervalMinutes: 5,
		CutoffMinutes:      10,
		MaxSpreadAbs:       0.10,
		UnfavorablePct:     0.05,
		DiscountPct:        0.03,
	}
}

func filledEntry(seq int, price float64, filledAt time.Time) domain.Signal {
	return domain.Signal{
		ID:          "sig",
		DCASequence: seq,
		ReqPrice:    price,
		FillPrice:   price,
		Size:        10,
		State:       domain.OrderFilled,
		CreatedAt:   filledAt,
		FilledAt:    &filledAt,
	}
}

func TestDecideDCA_Ladder(t *testing.T) {
	cfg := ladderConfig()
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	start := now.Add(60 * time.Minute) // cutoff at now+50m
	firstAt := now.Add(-20 * time.Minute)

	baseJob := domain.TradeJob{
		EventStart:    start,
		DCAEntries:    1,
		DCAMaxEntries: 3,
	}

	tests := []struct {
		name       string
		job        domain.TradeJob
		entries    []domain.Signal
		price      float64
		now        time.Time
		wantBuy    bool
		wantDone   bool
		wantReason string
	}{
		{
			name: "all entries used completes the job",
			job: domain.TradeJob{
				EventStart: start, DCAEntries: 3, DCAMaxEntries: 3,
			},
			price: 0.60, now: now,
			wantDone: true, wantReason: "max_entries",
		},
		{
			name:    "no filled entries abstains",
			job:     baseJob,
			entries: []domain.Signal{{State: domain.OrderPlaced, DCASequence: 1, ReqPrice: 0.60}},
			price:   0.60, now: now,
			wantReason: "no_entries",
		},
		{
			name:    "price too far from entry trips the spread guard",
			job:     baseJob,
			entries: []domain.Signal{filledEntry(1, 0.60, firstAt)},
			price:   0.75, now: now,
			wantReason: "spread_guard",
		},
		{
			name:    "inside the cutoff no new entries",
			job:     baseJob,
			entries: []domain.Signal{filledEntry(1, 0.60, firstAt)},
			price:   0.60, now: start.Add(-5 * time.Minute),
			wantReason: "cutoff",
		},
		{
			name:    "min interval not elapsed",
			job:     baseJob,
			entries: []domain.Signal{filledEntry(1, 0.60, now.Add(-time.Minute))},
			price:   0.58, now: now,
			wantReason: "too_soon",
		},
		{
			name:    "scheduled buy deferred at unfavorable price",
			job:     baseJob,
			entries: []domain.Signal{filledEntry(1, 0.60, now.Add(-60*time.Minute))},
			price:   0.64, now: now, // due 5m ago, 0.64 > 0.60*1.05
			wantReason: "price_unfavorable",
		},
		{
			name:    "scheduled buy fires when due",
			job:     baseJob,
			entries: []domain.Signal{filledEntry(1, 0.60, now.Add(-60*time.Minute))},
			price:   0.61, now: now,
			wantBuy: true, wantReason: "twap_due",
		},
		{
			name:    "discount triggers an early buy",
			job:     baseJob,
			entries: []domain.Signal{filledEntry(1, 0.60, firstAt)},
			price:   0.58, now: now, // 0.58 <= 0.60*0.97, schedule not due yet
			wantBuy: true, wantReason: "favorable_price",
		},
		{
			name:    "nothing due, nothing favorable",
			job:     baseJob,
			entries: []domain.Signal{filledEntry(1, 0.60, firstAt)},
			price:   0.60, now: now,
			wantReason: "not_due",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := decideDCA(cfg, tt.job, tt.entries, tt.price, tt.now)
			assert.Equal(t, tt.wantBuy, dec.Buy)
			assert.Equal(t, tt.wantDone, dec.Complete)
			assert.Equal(t, tt.wantReason, dec.Reason)
		})
	}
}

func TestDecideDCA_TWAPSpacing(t *testing.T) {
	cfg := ladderConfig()
	cfg.MinIntervalMinutes = 1
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	start := now.Add(80 * time.Minute) // cutoff at +70m
	firstAt := now.Add(-10 * time.Minute)

	job := domain.TradeJob{EventStart: start, DCAEntries: 1, DCAMaxEntries: 3}
	entries := []domain.Signal{filledEntry(1, 0.60, firstAt)}

	// Span is 80m over 2 remaining entries: second entry due 40m after the
	// first fill, i.e. 30m from now.
	dec := decideDCA(cfg, job, entries, 0.60, now)
	assert.False(t, dec.Buy)
	assert.Equal(t, "not_due", dec.Reason)

	dec = decideDCA(cfg, job, entries, 0.60, now.Add(31*time.Minute))
	assert.True(t, dec.Buy)
	assert.Equal(t, "twap_due", dec.Reason)
}

func TestFirstLastFilled(t *testing.T) {
	at := time.Now().UTC()
	entries := []domain.Signal{
		filledEntry(2, 0.58, at),
		{DCASequence: 3, State: domain.OrderPlaced},
		filledEntry(1, 0.60, at.Add(-time.Hour)),
	}

	first, last, ok := firstLastFilled(entries)
	assert.True(t, ok)
	assert.Equal(t, 1, first.DCASequence)
	assert.Equal(t, 2, last.DCASequence, "unfilled entries do not count")

	_, _, ok = firstLastFilled([]domain.Signal{{State: domain.OrderPlaced}})
	assert.False(t, ok)
}

func TestKellyFraction(t *testing.T) {
	// f* = (win - price) / (1 - price)
	assert.InDelta(t, 0.2105, kellyFraction(0.70, 0.62), 0.001)
	assert.Zero(t, kellyFraction(0.50, 0.62), "negative edge clamps to 0")
	assert.Equal(t, 1.0, kellyFraction(1.5, 0.5), "clamped to 1")
	assert.Zero(t, kellyFraction(0.9, 0))
	assert.Zero(t, kellyFraction(0.9, 1))
}
