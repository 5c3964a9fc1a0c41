package commands

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/dyluth/opbalance/internal/printer"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/spf13/cobra"
)

var proposeJSON bool

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Sample a weight vector without committing it",
	Long: `Sample one weight vector with the configured strategy and print it.

Nothing is written to the ledger or the trial history, so propose is safe to
run while chains are sampling. Strategies that learn from past runs read the
ledger and history as they would at start.`,
	RunE: runPropose,
}

func init() {
	proposeCmd.Flags().BoolVar(&proposeJSON, "json", false, "Print the weights as a JSON object")
	rootCmd.AddCommand(proposeCmd)
}

func runPropose(cmd *cobra.Command, args []string) error {
	s, err := openSession(context.Background())
	if err != nil {
		return err
	}
	defer s.Close()

	strat, err := s.strategy()
	if err != nil {
		return printer.Error("failed to build strategy", err.Error(), nil)
	}
	weights, err := strat.SampleWeights()
	if err != nil {
		return printer.Error("failed to sample weights", err.Error(), nil)
	}

	ids := proposal.IDs(s.groups)
	if proposeJSON {
		out := make(map[string]float64, len(ids))
		for i, id := range ids {
			out[id] = weights[i]
		}
		return sonic.ConfigStd.NewEncoder(printer.Out).Encode(out)
	}

	printer.Info("Proposed weights (strategy %s):\n", strat.Name())
	printer.Weights(ids, weights, 40)
	return nil
}
