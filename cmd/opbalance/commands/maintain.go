package commands

import (
	"context"
	"errors"
	"os"

	"github.com/dyluth/opbalance/internal/controller"
	"github.com/dyluth/opbalance/internal/printer"
	"github.com/spf13/cobra"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Rewrite the ledger once without sampling",
	Long: `Run the controller in dry-run mode: take the lock, re-read the ledger,
validate it and write it back, then stop. No weights are sampled and no
observations are added.

Useful after a crash to confirm that the ledger is readable and that a
stale lock is cleared.`,
	RunE: runMaintain,
}

func init() {
	rootCmd.AddCommand(maintainCmd)
}

func runMaintain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := s.cfg.ControllerOptions(s.logger)
	opts.Store = s.store
	opts.DryRun = true
	c, err := controller.New(ctx, opts, s.groups)
	if errors.Is(err, os.ErrNotExist) {
		return s.ledgerMissing(err)
	}
	if err != nil {
		return printer.ErrorWithContext(
			"ledger maintenance failed",
			err.Error(),
			map[string]string{"Ledger": s.cfg.Ledger.Path},
			[]string{"Inspect the ledger with 'opbalance show' and fix or restore it"},
		)
	}

	printer.Success("Ledger maintained: %s (state %s)\n", s.cfg.Ledger.Path, c.State())
	return nil
}
