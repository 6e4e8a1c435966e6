package polymarket

import (
	"sort"
	"strconv"
	"time"

	"github.com/alejandrodnm/matchbot/internal/domain"
)

// mapQuote converts a CLOB market DTO to a domain.Quote. The first token
// slot is taken as the home leg; engine code matches legs by outcome label,
// so slot order only affects presentation.
func mapQuote(r clobMarket, fetchedAt time.Time) domain.Quote {
	q := domain.Quote{
		ConditionID: r.ConditionID,
		Active:      r.Active && r.AcceptingOrders && !r.Closed,
		NegRisk:     r.NegRisk,
		FetchedAt:   fetchedAt,
	}
	if len(r.Tokens) > 0 {
		q.Home = domain.Token{TokenID: r.Tokens[0].TokenID, Outcome: r.Tokens[0].Outcome, Price: r.Tokens[0].Price}
	}
	if len(r.Tokens) > 1 {
		q.Away = domain.Token{TokenID: r.Tokens[1].TokenID, Outcome: r.Tokens[1].Outcome, Price: r.Tokens[1].Price}
	}
	return q
}

// mapBook converts a raw book response, dropping degenerate levels and
// ordering bids descending, asks ascending.
func mapBook(r bookResponse) domain.OrderBook {
	return domain.OrderBook{
		TokenID: r.AssetID,
		Bids:    mapBookLevels(r.Bids, false),
		Asks:    mapBookLevels(r.Asks, true),
	}
}

func mapBookLevels(raw []bookLevel, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, l := range raw {
		price, _ := strconv.ParseFloat(l.Price, 64)
		size, _ := strconv.ParseFloat(l.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})
	return entries
}

// mapEvents converts Gamma events into schedule entries. Events without a
// parseable start time or a binary market are dropped.
func mapEvents(raw []gammaEvent) []domain.Event {
	events := make([]domain.Event, 0, len(raw))
	for _, ev := range raw {
		start, ok := parseEventTime(ev.StartDate)
		if !ok || ev.Closed {
			continue
		}
		for _, m := range ev.Markets {
			if m.Closed || m.ConditionID == "" {
				continue
			}
			home, away, ok := parseOutcomes(m.Outcomes)
			if !ok {
				continue
			}
			events = append(events, domain.Event{
				EventID:     ev.ID,
				ConditionID: m.ConditionID,
				HomeLabel:   home,
				AwayLabel:   away,
				StartTime:   start,
			})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].StartTime.Before(events[j].StartTime)
	})
	return events
}

// parseOutcomes decodes the JSON-in-a-string outcome array Gamma uses, e.g.
// "[\"Lakers\", \"Celtics\"]". Only binary markets qualify.
func parseOutcomes(s string) (home, away string, ok bool) {
	var labels []string
	if err := jsonAPI.Unmarshal([]byte(s), &labels); err != nil {
		return "", "", false
	}
	if len(labels) != 2 || labels[0] == "" || labels[1] == "" {
		return "", "", false
	}
	return labels[0], labels[1], true
}

// parseEventTime tries the timestamp formats the APIs are known to emit.
func parseEventTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05-07",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
