package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dyluth/opbalance/internal/filelock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CommitEvent describes one successful ledger commit.
type CommitEvent struct {
	Ledger        string   `json:"ledger"`
	Reason        string   `json:"reason"`
	Keys          []string `json:"keys"`
	Owner         string   `json:"owner"`
	Rows          int      `json:"rows"`
	CommittedAtMs int64    `json:"committed_at_ms"`
}

// Observer is notified after each successful commit. Observer errors are
// logged and never undo a commit.
type Observer interface {
	LedgerCommitted(ctx context.Context, ev CommitEvent) error
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Lock     filelock.Options
	Observer Observer
	Logger   zerolog.Logger
}

// Store owns the live ledger path and serialises writers through the lock.
type Store struct {
	path     string
	lock     *filelock.Lock
	observer Observer
	logger   zerolog.Logger
}

// NewStore creates a store for the ledger at path.
func NewStore(path string, opts StoreOptions) *Store {
	lockOpts := opts.Lock
	lockOpts.Logger = opts.Logger.With().Str("component", "filelock").Logger()
	return &Store{
		path:     path,
		lock:     filelock.New(path, lockOpts),
		observer: opts.Observer,
		logger:   opts.Logger.With().Str("component", "ledger").Logger(),
	}
}

// Path returns the live ledger path.
func (s *Store) Path() string { return s.path }

// Owner returns the lock owner token used by this store.
func (s *Store) Owner() string { return s.lock.Token() }

// Read returns a snapshot of the live ledger without taking the lock.
// Use it for display only; writers must go through Commit.
func (s *Store) Read() (*Table, error) {
	return Open(s.path)
}

// Create initialises the ledger with header if it does not exist yet.
// An existing ledger must carry the same header.
func (s *Store) Create(ctx context.Context, header []string) error {
	if _, err := NewTable(header); err != nil {
		return err
	}
	return s.lock.With(ctx, func() error {
		existing, err := Open(s.path)
		switch {
		case err == nil:
			if !sameHeader(existing.Header(), header) {
				return fmt.Errorf("%w: existing header does not match schema", ErrMalformed)
			}
			return nil
		case !errors.Is(err, os.ErrNotExist):
			return err
		}

		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
		t, _ := NewTable(header)
		return s.replace(t, nil)
	})
}

func sameHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Commit applies mutate to a fresh copy of the ledger and atomically
// replaces the live file. targets are keys that must be locatable in the
// committed table. The lock is released on every path.
func (s *Store) Commit(ctx context.Context, reason string, targets []Key, mutate func(*Table) error) error {
	var rows int
	err := s.lock.With(ctx, func() error {
		t, err := Open(s.path)
		if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(t); err != nil {
				return fmt.Errorf("ledger mutation failed: %w", err)
			}
		}
		rows = t.Len()
		return s.replace(t, targets)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("reason", reason).Msg("ledger commit failed")
		return err
	}

	s.logger.Debug().Str("reason", reason).Int("rows", rows).Msg("ledger committed")
	if s.observer != nil {
		ev := CommitEvent{
			Ledger:        s.path,
			Reason:        reason,
			Keys:          keyStrings(targets),
			Owner:         s.lock.Token(),
			Rows:          rows,
			CommittedAtMs: time.Now().UnixMilli(),
		}
		if oerr := s.observer.LedgerCommitted(ctx, ev); oerr != nil {
			s.logger.Warn().Err(oerr).Msg("commit observer failed")
		}
	}
	return nil
}

// replace writes t to a candidate file, validates it and renames it over the
// live path. Must be called with the lock held.
func (s *Store) replace(t *Table, targets []Key) error {
	if err := t.Validate(); err != nil {
		return err
	}

	candidate := fmt.Sprintf("%s.%s.tmp", s.path, uuid.New().String())
	if err := writeCandidate(candidate, t); err != nil {
		_ = os.Remove(candidate)
		return err
	}

	if err := validateCandidate(candidate, len(t.Header()), targets); err != nil {
		_ = os.Remove(candidate)
		return fmt.Errorf("candidate ledger rejected: %w", err)
	}

	if err := os.Rename(candidate, s.path); err != nil {
		_ = os.Remove(candidate)
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}

func writeCandidate(path string, t *Table) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create candidate ledger: %w", err)
	}
	if _, err := t.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write candidate ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync candidate ledger: %w", err)
	}
	return f.Close()
}

func validateCandidate(path string, width int, targets []Key) error {
	t, err := open(path, true)
	if err != nil {
		return err
	}
	if len(t.Header()) != width {
		return fmt.Errorf("%w: candidate header has %d columns, want %d", ErrMalformed, len(t.Header()), width)
	}
	for _, k := range targets {
		if _, ok := t.LocateRow(k); !ok {
			return fmt.Errorf("%w: %s", ErrRowNotFound, k)
		}
	}
	return nil
}

func keyStrings(keys []Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
