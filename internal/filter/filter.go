// Package filter selects ledger rows and commit events for the viewing
// commands.
package filter

import (
	"path/filepath"

	"github.com/dyluth/opbalance/internal/notify"
	"github.com/dyluth/opbalance/pkg/ledger"
)

// Criteria defines filtering criteria. All filters are ANDed together; a
// zero value matches everything.
type Criteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	InstanceGlob     string // Glob pattern for the instance, empty = no filter
	Replicate        string // Exact replicate, empty = no filter
	ReasonGlob       string // Glob pattern for the commit reason, empty = no filter
}

// MatchesKey reports whether a ledger row key passes the instance and
// replicate filters. Time and reason filters do not apply to rows.
func (c *Criteria) MatchesKey(key ledger.Key) bool {
	if !globMatch(c.InstanceGlob, key.Instance) {
		return false
	}
	return c.Replicate == "" || key.Replicate == c.Replicate
}

// MatchesEvent reports whether a commit event passes every filter. An event
// matches the replicate filter when any of its keys carries that replicate.
func (c *Criteria) MatchesEvent(ev *notify.CommitEvent) bool {
	if c.SinceTimestampMs > 0 && ev.CommittedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && ev.CommittedAtMs > c.UntilTimestampMs {
		return false
	}
	if !globMatch(c.ReasonGlob, ev.Reason) || !globMatch(c.InstanceGlob, ev.Instance) {
		return false
	}
	if c.Replicate == "" {
		return true
	}
	for _, k := range ev.Keys {
		if k == ev.Instance+"/"+c.Replicate {
			return true
		}
	}
	return false
}

// Rows returns the indices of the rows of t that pass the key filters, in
// ledger order.
func (c *Criteria) Rows(t *ledger.Table) []int {
	rows := make([]int, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		key, err := t.KeyAt(i)
		if err != nil {
			continue
		}
		if c.MatchesKey(key) {
			rows = append(rows, i)
		}
	}
	return rows
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.InstanceGlob != "" ||
		c.Replicate != "" ||
		c.ReasonGlob != ""
}

// Validate checks the glob patterns.
func (c *Criteria) Validate() error {
	for _, p := range []string{c.InstanceGlob, c.ReasonGlob} {
		if p == "" {
			continue
		}
		if _, err := filepath.Match(p, ""); err != nil {
			return err
		}
	}
	return nil
}

func globMatch(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	matched, err := filepath.Match(pattern, value)
	return err == nil && matched
}
