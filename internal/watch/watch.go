// Package watch follows a tuning run: live commit events from Redis, or the
// ledger file itself when no Redis is configured.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dyluth/opbalance/internal/filter"
	"github.com/dyluth/opbalance/internal/notify"
	"github.com/dyluth/opbalance/pkg/ledger"
)

// DefaultPollInterval is how often FollowLedger checks the ledger file.
const DefaultPollInterval = 500 * time.Millisecond

// Events delivers matching commit events from sub to fn until ctx is done,
// the subscription closes, or fn fails. Subscription errors go to onErr
// (which may be nil) and do not stop the stream.
func Events(ctx context.Context, sub *notify.Subscription, criteria *filter.Criteria, fn func(*notify.CommitEvent) error, onErr func(error)) error {
	events, errs := sub.Events(), sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if onErr != nil {
				onErr(err)
			}

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if criteria != nil && !criteria.MatchesEvent(ev) {
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}

// FollowLedger calls fn with a fresh snapshot of the ledger every time the
// file changes, starting with the current contents. A missing ledger is
// waited for. Returns when ctx is done or fn fails.
func FollowLedger(ctx context.Context, store *ledger.Store, interval time.Duration, fn func(*ledger.Table) error) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	var lastSize int64 = -1
	for {
		info, err := os.Stat(store.Path())
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return fmt.Errorf("failed to stat ledger: %w", err)
		case !info.ModTime().Equal(lastMod) || info.Size() != lastSize:
			tbl, err := store.Read()
			if err != nil {
				// A rename can race the stat; try again on the next tick
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("failed to read ledger: %w", err)
				}
				break
			}
			lastMod, lastSize = info.ModTime(), info.Size()
			if err := fn(tbl); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
