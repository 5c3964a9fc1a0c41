package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/opbalance/internal/filter"
	"github.com/dyluth/opbalance/internal/printer"
	"github.com/dyluth/opbalance/internal/view"
	"github.com/dyluth/opbalance/internal/watch"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/spf13/cobra"
)

var (
	showInstance  string
	showReplicate string
	showOutput    string
	showFollow    bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the shared ledger",
	Long: `Display the ledger rows: weights, per-group ESS and the efficiency
aggregates of every chain.

Reading never takes the lock, so show is safe during a run.

Output Formats:
  table - Human-readable table (default)
  jsonl - One JSON object per row, for jq

Examples:
  opbalance show
  opbalance show --instance 'primates-*' --replicate 2
  opbalance show --output jsonl | jq '."tree.weight"'
  opbalance show --follow`,
	RunE: runShow,
}

func init() {
	showCmd.Flags().StringVar(&showInstance, "instance", "", "Only rows whose instance matches this glob")
	showCmd.Flags().StringVar(&showReplicate, "replicate", "", "Only rows of this replicate")
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "table", "Output format (table or jsonl)")
	showCmd.Flags().BoolVarP(&showFollow, "follow", "f", false, "Reprint whenever the ledger changes")
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	if showOutput != "table" && showOutput != "jsonl" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", showOutput),
			[]string{"Valid formats: table, jsonl"},
		)
	}
	criteria := &filter.Criteria{InstanceGlob: showInstance, Replicate: showReplicate}
	if err := criteria.Validate(); err != nil {
		return printer.Error("invalid --instance pattern", err.Error(), nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	render := func(tbl *ledger.Table) error {
		rows := criteria.Rows(tbl)
		if showOutput == "jsonl" {
			return view.LedgerJSONL(printer.Out, tbl, rows)
		}
		_, err := view.LedgerTable(printer.Out, tbl, rows)
		return err
	}

	if showFollow {
		return watch.FollowLedger(ctx, s.store, 0, render)
	}

	tbl, err := s.store.Read()
	if errors.Is(err, os.ErrNotExist) {
		return s.ledgerMissing(err)
	}
	if err != nil {
		return printer.Error("failed to read ledger", err.Error(), nil)
	}
	return render(tbl)
}
