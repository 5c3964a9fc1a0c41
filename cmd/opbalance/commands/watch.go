package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/opbalance/internal/filter"
	"github.com/dyluth/opbalance/internal/notify"
	"github.com/dyluth/opbalance/internal/printer"
	"github.com/dyluth/opbalance/internal/timespec"
	"github.com/dyluth/opbalance/internal/view"
	"github.com/dyluth/opbalance/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchReason       string
	watchInstance     string
	watchSince        string
	watchUntil        string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream ledger commits as they happen",
	Long: `Stream ledger commit events published on Redis (notify.redis_url).

Every start, observation, maintenance and history commit of every chain
sharing the ledger shows up here.

Output Formats:
  default - One line per commit
  json    - Line-delimited JSON for programmatic processing

Examples:
  opbalance watch
  opbalance watch --reason observations --instance 'primates-*'
  opbalance watch --until 2025-10-29T18:00:00Z --output=json > commits.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchReason, "reason", "", "Only commits whose reason matches this glob")
	watchCmd.Flags().StringVar(&watchInstance, "instance", "", "Only commits whose instance matches this glob")
	watchCmd.Flags().StringVar(&watchSince, "since", "", "Skip commits stamped before this time (e.g. 2025-10-29T13:00:00Z)")
	watchCmd.Flags().StringVar(&watchUntil, "until", "", "Stop at this time (e.g. 2025-10-29T13:00:00Z)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchOutputFormat != "default" && watchOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinceMs, untilMs, err := timespec.ParseRange(watchSince, watchUntil)
	if err != nil {
		return printer.Error("invalid time range", err.Error(), nil)
	}
	if untilMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(untilMs))
		defer cancel()
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.cfg.Notify == nil {
		return printer.Error(
			"commit notifications are not configured",
			"watch needs a Redis server to receive commits from.",
			[]string{
				"Add to the configuration:\n  notify:\n    redis_url: \"redis://localhost:6379/0\"",
				"Or follow the ledger file instead:\n  opbalance show --follow",
			},
		)
	}
	if s.notifier == nil {
		return printer.ErrorWithContext(
			"redis unreachable",
			"Could not connect to the configured Redis server.",
			map[string]string{"Redis": s.cfg.Notify.RedisURL},
			[]string{"Check that Redis is running and reachable"},
		)
	}

	criteria := &filter.Criteria{
		SinceTimestampMs: sinceMs,
		UntilTimestampMs: untilMs,
		ReasonGlob:       watchReason,
		InstanceGlob:     watchInstance,
	}
	if err := criteria.Validate(); err != nil {
		return printer.Error("invalid filter pattern", err.Error(), nil)
	}

	sub, err := s.notifier.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to commit events: %w", err)
	}
	defer sub.Close()

	if watchOutputFormat == "default" {
		printer.Info("Watching commits on %s (Ctrl+C to stop)\n", notify.EventsChannel(s.notifier.Name()))
	}

	return watch.Events(ctx, sub, criteria, func(ev *notify.CommitEvent) error {
		if watchOutputFormat == "json" {
			return view.EventJSON(printer.Out, ev)
		}
		return view.EventLine(printer.Out, ev, time.Now())
	}, func(err error) {
		s.logger.Warn().Err(err).Msg("skipped commit event")
	})
}

