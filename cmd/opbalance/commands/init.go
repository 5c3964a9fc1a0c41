package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/opbalance/internal/printer"
	"github.com/dyluth/opbalance/internal/scaffold"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/spf13/cobra"
)

var (
	initTemplate bool
	initFormat   string
	initDir      string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the shared ledger (or a starter configuration)",
	Long: `Create the shared ledger described by the configuration.

The ledger header is derived from the configured groups. Running init again
is safe: an existing ledger with the same header is left alone, one with a
different header is reported as an error.

With --template, write a starter configuration instead:
  opbalance init --template              writes ./opbalance.yml
  opbalance init --template --format toml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initTemplate, "template", false, "Write a starter configuration instead of creating the ledger")
	initCmd.Flags().StringVar(&initFormat, "format", "yaml", "Starter configuration format (yaml or toml)")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory for the starter configuration")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing starter configuration")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if initTemplate {
		path, err := scaffold.Initialize(initDir, initFormat, initForce)
		if err != nil {
			return printer.Error("initialization failed", err.Error(), nil)
		}
		scaffold.PrintSuccess(path)
		return nil
	}

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	header := ledger.Schema(proposal.IDs(s.groups))
	if err := s.store.Create(ctx, header); err != nil {
		return printer.ErrorWithContext(
			"failed to create ledger",
			err.Error(),
			map[string]string{"Ledger": s.cfg.Ledger.Path},
			[]string{
				"Remove or rename the existing ledger if its groups changed",
				fmt.Sprintf("Check that %s is writable", s.cfg.Ledger.Path),
			},
		)
	}

	printer.Success("Ledger ready: %s (%d groups, %d columns)\n", s.cfg.Ledger.Path, len(s.groups), len(header))
	return nil
}
