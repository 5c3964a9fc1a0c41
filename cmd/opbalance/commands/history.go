package commands

import (
	"fmt"

	"github.com/dyluth/opbalance/internal/config"
	"github.com/dyluth/opbalance/internal/printer"
	"github.com/dyluth/opbalance/internal/strategy"
	"github.com/dyluth/opbalance/internal/view"
	"github.com/spf13/cobra"
)

var historyFile string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display the optimisation trial history",
	Long: `List the trials recorded for the bayesopt strategy: the weights each
run used, the balance distance it reached and its chain length. The best
trial is marked with '*'.

The history file comes from strategy.history unless --file is given.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFile, "file", "", "Trial history file (overrides the configuration)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	path := historyFile
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return printer.Error(
				"no history file",
				err.Error(),
				[]string{"Pass --file, or point --config at a run configuration"},
			)
		}
		path = cfg.Strategy.History
	}
	if path == "" {
		return printer.Error(
			"no history file",
			"The configuration has no strategy.history.",
			[]string{"Pass --file explicitly"},
		)
	}

	h, err := strategy.LoadHistory(path)
	if err != nil {
		return printer.Error("failed to read history", err.Error(), nil)
	}
	if _, err := view.HistoryTable(printer.Out, h); err != nil {
		return fmt.Errorf("failed to render history: %w", err)
	}
	return nil
}
