// Package view renders ledgers, trial histories and commit events for the
// CLI: tables for people, JSONL for jq.
package view

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dyluth/opbalance/internal/notify"
	"github.com/dyluth/opbalance/internal/strategy"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/olekukonko/tablewriter"
)

// GroupIDs recovers the group order from a ledger header.
func GroupIDs(header []string) []string {
	var ids []string
	for _, col := range header {
		if id, ok := strings.CutSuffix(col, ".weight"); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// LedgerTable writes the given rows of tbl as a table: keys, started flag,
// weight and ESS per group, then the aggregates. Returns the number of rows
// written.
func LedgerTable(w io.Writer, tbl *ledger.Table, rows []int) (int, error) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No ledger rows found")
		return 0, nil
	}

	groups := GroupIDs(tbl.Header())
	header := []any{"INSTANCE", "REPLICATE", "STARTED"}
	for _, g := range groups {
		header = append(header, g+" W", g+" ESS")
	}
	header = append(header, "MIN ESS", "CV", "STATES", "RUNTIME")

	cols := []string{}
	for _, g := range groups {
		cols = append(cols, ledger.WeightColumn(g), ledger.ESSColumn(g))
	}
	cols = append(cols, ledger.ColMinESSMean, ledger.ColMinESSCV, ledger.ColNStates, ledger.ColRuntimeSmoothed)

	table := tablewriter.NewWriter(w)
	table.Header(header...)
	for _, r := range rows {
		key, err := tbl.KeyAt(r)
		if err != nil {
			return 0, err
		}
		started, _ := tbl.ReadCell(r, ledger.ColStarted)
		line := []string{key.Instance, key.Replicate, started}
		for _, col := range cols {
			v, err := tbl.ReadFloat(r, col)
			if err != nil {
				return 0, err
			}
			line = append(line, formatNumber(v))
		}
		if err := table.Append(line); err != nil {
			return 0, fmt.Errorf("failed to render ledger row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return 0, fmt.Errorf("failed to render ledger table: %w", err)
	}
	return len(rows), nil
}

// LedgerJSONL writes each row as one JSON object keyed by column. Numeric
// cells become numbers, NA becomes null and started becomes a boolean.
func LedgerJSONL(w io.Writer, tbl *ledger.Table, rows []int) error {
	header := tbl.Header()
	for _, r := range rows {
		cells, err := tbl.Row(r)
		if err != nil {
			return err
		}
		obj := make(map[string]any, len(header))
		for i, col := range header {
			obj[col] = cellValue(col, cells[i])
		}
		data, err := sonic.ConfigStd.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger row to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

func cellValue(col, cell string) any {
	switch {
	case cell == ledger.NA:
		return nil
	case col == ledger.ColInstance || col == ledger.ColReplicate:
		return cell
	case col == ledger.ColStarted:
		return cell == "true"
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}

// HistoryTable writes one line per trial with its weights, balance distance
// and chain length. The best trial is marked with '*'.
func HistoryTable(w io.Writer, h *strategy.History) (int, error) {
	if len(h.Samples) == 0 {
		fmt.Fprintln(w, "No trials recorded")
		return 0, nil
	}

	groups := h.GroupIDs()
	best := h.Best(groups)
	header := []any{"TRIAL"}
	for _, g := range groups {
		header = append(header, g)
	}
	header = append(header, "DISTANCE", "STATES")

	table := tablewriter.NewWriter(w)
	table.Header(header...)
	for i, s := range h.Samples {
		mark := strconv.Itoa(i + 1)
		if i == best {
			mark += "*"
		}
		line := []string{mark}
		for _, g := range groups {
			v, ok := s.Weights[g]
			if !ok {
				v = math.NaN()
			}
			line = append(line, formatNumber(v))
		}
		line = append(line, formatNumber(s.Distance), strconv.FormatInt(s.NStates, 10))
		if err := table.Append(line); err != nil {
			return 0, fmt.Errorf("failed to render trial: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return 0, fmt.Errorf("failed to render history table: %w", err)
	}
	fmt.Fprintf(w, "%d %s, trial counter %d\n", len(h.Samples), plural(len(h.Samples), "trial", "trials"), h.TrialCount)
	return len(h.Samples), nil
}

// EventLine writes a one-line summary of a commit event.
func EventLine(w io.Writer, ev *notify.CommitEvent, now time.Time) error {
	_, err := fmt.Fprintf(w, "%-8s #%-4d %-12s %-16s %-3d %s\n",
		formatAge(ev.CommittedAtMs, now),
		ev.Sequence,
		ev.Reason,
		dash(ev.Instance),
		ev.Rows,
		dash(strings.Join(ev.Keys, ",")),
	)
	return err
}

// EventJSON writes an event as a single JSON line.
func EventJSON(w io.Writer, ev *notify.CommitEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal commit event: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func formatNumber(v float64) string {
	if math.IsNaN(v) {
		return ledger.NA
	}
	return strconv.FormatFloat(v, 'g', 5, 64)
}

// formatAge shows a millisecond timestamp relative to now, like "2m ago".
func formatAge(timestampMs int64, now time.Time) string {
	if timestampMs == 0 {
		return "-"
	}
	diff := now.Sub(time.UnixMilli(timestampMs))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
