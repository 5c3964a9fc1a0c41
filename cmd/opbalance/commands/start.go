package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dyluth/opbalance/internal/controller"
	"github.com/dyluth/opbalance/internal/printer"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/spf13/cobra"
)

var (
	startSimulate int64
	startSeed     uint64
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Claim or read this instance's operator weights",
	Long: `Resolve the operator weights for this chain.

The chain that owns the weights (chain.owns_weights) samples them and writes
them to every replicate row of its instance in one commit; a rerun of the
owner reuses what was committed. Other replicates wait until the weights
appear (chain.wait_timeout) and read them back.

With --simulate N the command then drives N operator selections, running the
efficiency cadence exactly as an embedded sampler would.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().Int64Var(&startSimulate, "simulate", 0, "Drive this many operator selections after start")
	startCmd.Flags().Uint64Var(&startSeed, "seed", 0, "Seed for simulated selections (0 = random)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	strat, err := s.newStrategy()
	if err != nil {
		return printer.Error("failed to build strategy", err.Error(), nil)
	}

	opts := s.cfg.ControllerOptions(s.logger)
	opts.Store = s.store
	opts.Strategy = strat
	c, err := controller.New(ctx, opts, s.groups)
	if err != nil {
		return printer.ErrorWithContext(
			"failed to start controller",
			err.Error(),
			map[string]string{"Ledger": s.cfg.Ledger.Path, "Key": s.cfg.Key().String()},
			[]string{
				"Create the ledger first:\n  opbalance init",
				"Make sure exactly one replicate sets chain.owns_weights",
			},
		)
	}

	printer.Success("Weights resolved for %s\n", s.cfg.Key())
	printer.Weights(proposal.IDs(s.groups), c.Weights(), 40)

	if startSimulate > 0 {
		counts, err := simulate(c, startSimulate, startSeed)
		if err != nil {
			return printer.Error("simulation failed", err.Error(), nil)
		}
		printer.Step("Simulated %d selections (state %s)\n", c.Count(), c.State())
		for i, g := range s.groups {
			printer.Printf("  %-20s %d\n", g.ID, counts[i])
		}
	}

	printer.Println()
	printer.Printf("%s", c.Summary())
	return nil
}

func simulate(c *controller.Controller, n int64, seed uint64) ([]int64, error) {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	counts := make([]int64, len(c.Weights()))
	for i := int64(0); i < n; i++ {
		idx, err := c.Select(rng)
		if errors.Is(err, controller.ErrTerminated) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("selection %d: %w", i, err)
		}
		counts[idx]++
	}
	return counts, nil
}
