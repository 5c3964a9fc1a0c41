// Package filelock provides cross-process mutual exclusion over a shared file
// using a sentinel file that holds an owner token.
//
// A sentinel whose token stays unchanged for longer than the stale window is
// treated as abandoned by a crashed holder and removed by the next waiter.
// This trades strict mutual exclusion for liveness: a holder that stalls past
// the window can be displaced.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultStaleAfter     = 120 * time.Second
	DefaultRaceRetryDelay = 50 * time.Millisecond
)

// ErrRaced is returned by tryCreate when another process created the
// sentinel between the absence check and the exclusive create.
var ErrRaced = errors.New("lock sentinel creation raced")

// Options tunes the polling behaviour of a Lock. Zero values select defaults.
type Options struct {
	PollInterval   time.Duration
	StaleAfter     time.Duration
	RaceRetryDelay time.Duration
	Logger         zerolog.Logger
}

// Lock guards a file path with a "<path>.lock" sentinel.
type Lock struct {
	path  string
	token string
	opts  Options
	now   func() time.Time
	sleep func(time.Duration)

	// afterStat runs between the absence check and the exclusive create.
	afterStat func()
}

// New creates a lock for the given guarded path. The sentinel lives next to
// it with a ".lock" suffix.
func New(guarded string, opts Options) *Lock {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RaceRetryDelay <= 0 {
		opts.RaceRetryDelay = DefaultRaceRetryDelay
	}
	return &Lock{
		path:  guarded + ".lock",
		token: newToken(),
		opts:  opts,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

func newToken() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.New().String())
}

// Path returns the sentinel path.
func (l *Lock) Path() string { return l.path }

// Token returns the owner token written into the sentinel on acquire.
func (l *Lock) Token() string { return l.token }

// Acquire blocks until the sentinel has been created by this lock.
// The context only interrupts waiting; once the sentinel is written the lock
// is held and must be released.
func (l *Lock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to prepare lock directory: %w", err)
	}

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	var (
		lastToken string
		seenAt    time.Time
		observed  bool
	)

	for {
		held, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if held {
			return nil
		}

		// Sentinel present: track whether its owner token changes.
		token, readErr := l.readToken()
		now := l.now()
		switch {
		case readErr != nil && os.IsNotExist(readErr):
			// Released between checks, retry immediately.
			observed = false
			continue
		case !observed || token != lastToken:
			lastToken = token
			seenAt = now
			observed = true
		case now.Sub(seenAt) >= l.opts.StaleAfter:
			l.opts.Logger.Warn().
				Str("sentinel", l.path).
				Str("stale_owner", lastToken).
				Dur("unchanged_for", now.Sub(seenAt)).
				Msg("removing abandoned lock sentinel")
			if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove stale lock %s: %w", l.path, err)
			}
			observed = false
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryAcquire attempts the exclusive create, retrying once after a short
// delay when the create races with another process.
func (l *Lock) tryAcquire() (bool, error) {
	if _, err := os.Stat(l.path); err == nil {
		return false, nil
	}
	if l.afterStat != nil {
		l.afterStat()
	}

	err := l.tryCreate()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrRaced) {
		return false, err
	}

	l.sleep(l.opts.RaceRetryDelay)
	err = l.tryCreate()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrRaced):
		return false, nil
	default:
		return false, err
	}
}

func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrRaced
		}
		return fmt.Errorf("failed to create lock sentinel %s: %w", l.path, err)
	}
	_, werr := f.WriteString(l.token + "\n")
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("failed to write lock sentinel %s: %w", l.path, errors.Join(werr, cerr))
	}
	return nil
}

func (l *Lock) readToken() (string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Release deletes the sentinel without checking who owns it.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}

// With runs fn while holding the lock. The lock is released whether fn
// succeeds or fails.
func (l *Lock) With(ctx context.Context, fn func() error) (err error) {
	if err := l.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			l.opts.Logger.Error().Err(rerr).Str("sentinel", l.path).Msg("lock release failed")
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn()
}
