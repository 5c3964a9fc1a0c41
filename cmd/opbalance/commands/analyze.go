package commands

import (
	"context"
	"math"
	"time"

	"github.com/dyluth/opbalance/internal/controller"
	"github.com/dyluth/opbalance/internal/efficiency"
	"github.com/dyluth/opbalance/internal/printer"
	"github.com/spf13/cobra"
)

var (
	analyzeStates  int64
	analyzeElapsed time.Duration
	analyzeDryRun  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Measure group efficiency from trace logs and commit it",
	Long: `Read every group's trace log, compute the minimum effective sample size
over its tracked metrics and commit the results (plus runtime) to this
replicate's ledger row.

Groups whose log is not informative yet are recorded as NA.`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().Int64Var(&analyzeStates, "states", 0, "Chain length reached so far (required)")
	analyzeCmd.Flags().DurationVar(&analyzeElapsed, "elapsed", 0, "Wall time of the run, used when no runtime log is configured")
	analyzeCmd.Flags().BoolVar(&analyzeDryRun, "dry-run", false, "Print the measurements without committing")
	_ = analyzeCmd.MarkFlagRequired("states")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := s.cfg.ControllerOptions(s.logger).Efficiency
	opts.Key = s.cfg.Key()
	opts.Logger = s.logger
	if analyzeElapsed > 0 {
		opts.Clock = controller.NewSharedClockAt(time.Now().Add(-analyzeElapsed), time.Now)
	}

	analyzer, err := efficiency.New(s.store, s.groups, opts)
	if err != nil {
		return printer.Error("invalid analysis settings", err.Error(), nil)
	}

	var obs *efficiency.Observation
	if analyzeDryRun {
		obs, err = analyzer.Observe(analyzeStates)
	} else {
		obs, err = analyzer.CommitObservations(ctx, analyzeStates)
	}
	if err != nil {
		return printer.ErrorWithContext(
			"analysis failed",
			err.Error(),
			map[string]string{"Ledger": s.cfg.Ledger.Path, "Key": s.cfg.Key().String()},
			[]string{"Check the groups' trace_log paths and metric names"},
		)
	}

	for i, g := range s.groups {
		if math.IsNaN(obs.MinESS[i]) {
			printer.Printf("  %-20s %s\n", g.ID, "NA")
			continue
		}
		printer.Printf("  %-20s %.1f\n", g.ID, obs.MinESS[i])
	}
	printer.Printf("  minESS mean %.1f, sd %.1f, cv %.3f over %d states\n", obs.Mean, obs.SD, obs.CV, obs.NStates)
	if !analyzeDryRun {
		printer.Success("Observations committed for %s\n", s.cfg.Key())
	}
	return nil
}
