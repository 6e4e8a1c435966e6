package notify

// Console tick reporter. One compact line per quiet tick, a full table when
// something happened or verbose mode is on.

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/matchbot/internal/domain"
)

// Console implements ports.Notifier.
type Console struct {
	out     io.Writer
	verbose bool
}

// NewConsole creates a notifier writing to stdout.
func NewConsole(verbose bool) *Console {
	return &Console{out: os.Stdout, verbose: verbose}
}

// NewConsoleWriter creates a notifier for tests.
func NewConsoleWriter(w io.Writer, verbose bool) *Console {
	return &Console{out: w, verbose: verbose}
}

// NotifyTick prints the tick summary.
func (c *Console) NotifyTick(_ context.Context, s domain.TickSummary) error {
	c.printCompact(s)

	if c.verbose || c.eventful(s) {
		c.printGroups(s.Groups)
	}
	for _, w := range s.Warnings {
		fmt.Fprintf(c.out, "  !! %s\n", w)
	}
	return nil
}

func (c *Console) eventful(s domain.TickSummary) bool {
	return s.OrdersPlaced > 0 || s.DCABuys > 0 || s.HedgesOpened > 0 ||
		s.Merges > 0 || s.RiskLevel != domain.LevelGreen
}

func (c *Console) printCompact(s domain.TickSummary) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] tick %dms | jobs %d/%d disp | orders %d | dca %d | hedge %d",
		s.TickAt.Format("15:04:05"), s.Duration.Milliseconds(),
		s.JobsDispatched, s.JobsRefreshed, s.OrdersPlaced, s.DCABuys, s.HedgesOpened)

	if s.Merges > 0 {
		fmt.Fprintf(&sb, " | merge %d net $%.2f", s.Merges, s.MergeNetProfit)
	}
	if s.JobsRecovered > 0 {
		fmt.Fprintf(&sb, " | recovered %d", s.JobsRecovered)
	}
	if s.JobsExpired > 0 {
		fmt.Fprintf(&sb, " | expired %d", s.JobsExpired)
	}

	fmt.Fprintf(&sb, " | risk %s", s.RiskLevel)
	if s.RiskReason != "" && s.RiskLevel != domain.LevelGreen {
		fmt.Fprintf(&sb, " (%s)", s.RiskReason)
	}

	fmt.Fprintln(c.out, sb.String())
}

func (c *Console) printGroups(groups []domain.PositionGroup) {
	if len(groups) == 0 {
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "State", "Dir", "Opp", "Imb", "Mergeable", "D_tgt", "M_tgt", "Starts in")

	for _, g := range groups {
		table.Append(
			shortCondition(g.ConditionID),
			string(g.State),
			fmt.Sprintf("%.1f", g.Inventory.QDir),
			fmt.Sprintf("%.1f", g.Inventory.QOpp),
			fmt.Sprintf("%+.1f", g.Inventory.Imbalance()),
			fmt.Sprintf("%.1f", g.Inventory.Mergeable()),
			fmt.Sprintf("%.1f", g.DTarget),
			fmt.Sprintf("%.1f", g.MTarget),
			startsIn(g.EventStart),
		)
	}
	table.Render()
}

func shortCondition(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func startsIn(start time.Time) string {
	d := time.Until(start)
	if d < 0 {
		return "started"
	}
	if d > time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%.0fm", d.Minutes())
}
