package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/opbalance/internal/config"
	"github.com/dyluth/opbalance/internal/notify"
	"github.com/dyluth/opbalance/internal/printer"
	"github.com/dyluth/opbalance/internal/strategy"
	"github.com/dyluth/opbalance/pkg/ledger"
	"github.com/dyluth/opbalance/pkg/proposal"
	"github.com/rs/zerolog"
)

// session is what most commands need: the loaded configuration, fresh
// group descriptors and a store wired to the optional notifier.
type session struct {
	cfg      *config.RunConfig
	groups   []*proposal.Group
	store    *ledger.Store
	notifier *notify.Client
	logger   zerolog.Logger
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to load configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Create a starter configuration:\n  opbalance init --template"},
		)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	groups, err := cfg.ProposalGroups()
	if err != nil {
		return nil, err
	}

	opts := ledger.StoreOptions{
		Lock:   cfg.LockOptions(logger.With().Str("component", "filelock").Logger()),
		Logger: logger,
	}

	s := &session{cfg: cfg, groups: groups, logger: logger}
	if cfg.Notify != nil {
		name := cfg.Notify.Name
		if name == "" {
			name = notify.NameForLedger(cfg.Ledger.Path)
		}
		client, err := notify.NewClientFromURL(cfg.Notify.RedisURL, name)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx); err != nil {
			// Notifications are optional; the ledger still works without them
			logger.Warn().Err(err).Str("redis", cfg.Notify.RedisURL).Msg("redis unreachable, commit notifications disabled")
			client.Close()
		} else {
			s.notifier = client
			opts.Observer = client
		}
	}
	s.store = ledger.NewStore(cfg.Ledger.Path, opts)
	return s, nil
}

func (s *session) Close() error {
	if s.notifier != nil {
		return s.notifier.Close()
	}
	return nil
}

// newStrategy builds the configured weight strategy without initialising
// it. controller.New runs Init itself.
func (s *session) newStrategy() (strategy.Strategy, error) {
	return strategy.New(s.cfg.Strategy.Name, s.cfg.StrategyOptions(s.groups, s.logger))
}

// strategy builds and initialises the configured weight strategy.
func (s *session) strategy() (strategy.Strategy, error) {
	strat, err := s.newStrategy()
	if err != nil {
		return nil, err
	}
	env := strategy.Env{Groups: s.groups, Store: s.store, Key: s.cfg.Key(), Logger: s.logger}
	if err := strat.Init(env); err != nil {
		return nil, fmt.Errorf("failed to initialise %s strategy: %w", strat.Name(), err)
	}
	return strat, nil
}

// ledgerMissing turns a missing ledger into a helpful CLI error.
func (s *session) ledgerMissing(err error) error {
	return printer.ErrorWithContext(
		"ledger not found",
		err.Error(),
		map[string]string{"Ledger": s.cfg.Ledger.Path},
		[]string{"Create it first:\n  opbalance init"},
	)
}
