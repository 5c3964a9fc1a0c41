package commands

import (
	"context"

	"github.com/dyluth/opbalance/internal/printer"
	"github.com/dyluth/opbalance/internal/strategy"
	"github.com/spf13/cobra"
)

var persistCmd = &cobra.Command{
	Use:   "persist",
	Short: "Record the finished trial in the optimisation history",
	Long: `Append this run's weights, per-group ESS and balance distance to the
trial history used by the bayesopt strategy.

The first persist of a run appends a new trial; later ones overwrite it.
With strategy.resume set, the last recorded trial is overwritten instead.`,
	RunE: runPersist,
}

func init() {
	rootCmd.AddCommand(persistCmd)
}

func runPersist(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	strat, err := s.strategy()
	if err != nil {
		return printer.Error("failed to build strategy", err.Error(), nil)
	}
	p, ok := strat.(strategy.Persister)
	if !ok {
		return printer.Error(
			"nothing to persist",
			"The "+strat.Name()+" strategy keeps no trial history.",
			[]string{"Set strategy.name to bayesopt to record trials"},
		)
	}
	if err := p.Persist(ctx); err != nil {
		return printer.ErrorWithContext(
			"failed to persist trial",
			err.Error(),
			map[string]string{"History": s.cfg.Strategy.History},
			[]string{"Run 'opbalance analyze' first so the ledger has observations"},
		)
	}

	printer.Success("Trial recorded in %s\n", s.cfg.Strategy.History)
	return nil
}
