package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/opbalance/internal/filelock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a ledger with one row per replicate of "inst".
func setupTestStore(t *testing.T, replicates int) *Store {
	path := filepath.Join(t.TempDir(), "ledger.tsv")
	store := newTestStore(path, nil)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Schema([]string{"tree", "clock"})))
	require.NoError(t, store.Commit(ctx, "seed", nil, func(tbl *Table) error {
		for i := 0; i < replicates; i++ {
			if _, err := tbl.AppendRow(Key{Instance: "inst", Replicate: fmt.Sprintf("r%d", i)}); err != nil {
				return err
			}
		}
		return nil
	}))
	return store
}

func newTestStore(path string, obs Observer) *Store {
	return NewStore(path, StoreOptions{
		Lock: filelock.Options{
			PollInterval:   2 * time.Millisecond,
			StaleAfter:     5 * time.Second,
			RaceRetryDelay: time.Millisecond,
		},
		Observer: obs,
		Logger:   zerolog.Nop(),
	})
}

type recordingObserver struct {
	mu     sync.Mutex
	events []CommitEvent
	err    error
}

func (r *recordingObserver) LedgerCommitted(_ context.Context, ev CommitEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.tsv")
	store := newTestStore(path, nil)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, Schema([]string{"tree"})))
	tbl, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Len())

	t.Run("idempotent with same header", func(t *testing.T) {
		assert.NoError(t, store.Create(ctx, Schema([]string{"tree"})))
	})

	t.Run("rejects a different header", func(t *testing.T) {
		err := store.Create(ctx, Schema([]string{"clock"}))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestCommit(t *testing.T) {
	store := setupTestStore(t, 2)
	ctx := context.Background()
	key := Key{Instance: "inst", Replicate: "r1"}

	err := store.Commit(ctx, "observe", []Key{key}, func(tbl *Table) error {
		row, ok := tbl.LocateRow(key)
		if !ok {
			return ErrRowNotFound
		}
		return tbl.WriteFloat(row, ESSColumn("tree"), 321.5)
	})
	require.NoError(t, err)

	tbl, err := store.Read()
	require.NoError(t, err)
	row, ok := tbl.LocateRow(key)
	require.True(t, ok)
	v, err := tbl.ReadFloat(row, ESSColumn("tree"))
	require.NoError(t, err)
	assert.Equal(t, 321.5, v)

	_, err = os.Stat(store.Path() + ".lock")
	assert.True(t, os.IsNotExist(err), "lock must be released after commit")
}

func TestCommit_FailureLeavesLiveLedgerUntouched(t *testing.T) {
	store := setupTestStore(t, 1)
	ctx := context.Background()

	before, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	t.Run("mutation error", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Commit(ctx, "bad", nil, func(tbl *Table) error {
			_ = tbl.WriteFloat(0, ESSColumn("tree"), 1)
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("unknown column", func(t *testing.T) {
		err := store.Commit(ctx, "bad", nil, func(tbl *Table) error {
			return tbl.WriteCell(0, "not-a-column", "1")
		})
		assert.ErrorIs(t, err, ErrUnknownColumn)
	})

	t.Run("target row missing from candidate", func(t *testing.T) {
		err := store.Commit(ctx, "bad", []Key{{Instance: "ghost", Replicate: "r0"}}, func(tbl *Table) error {
			return tbl.WriteFloat(0, ESSColumn("tree"), 7)
		})
		assert.ErrorIs(t, err, ErrRowNotFound)
	})

	after, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	leftovers, err := filepath.Glob(store.Path() + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, leftovers, "candidates must be discarded")

	_, err = os.Stat(store.Path() + ".lock")
	assert.True(t, os.IsNotExist(err), "lock must be released after failure")
}

func TestCommit_NotifiesObserver(t *testing.T) {
	store := setupTestStore(t, 1)
	obs := &recordingObserver{err: errors.New("redis down")}
	store.observer = obs

	key := Key{Instance: "inst", Replicate: "r0"}
	err := store.Commit(context.Background(), "observations", []Key{key}, nil)
	require.NoError(t, err, "observer failures never fail a commit")

	require.Len(t, obs.events, 1)
	ev := obs.events[0]
	assert.Equal(t, "observations", ev.Reason)
	assert.Equal(t, []string{"inst/r0"}, ev.Keys)
	assert.Equal(t, store.Owner(), ev.Owner)
	assert.Equal(t, 1, ev.Rows)
}

func TestCommit_ConcurrentWriters(t *testing.T) {
	const writers = 8
	store := setupTestStore(t, writers)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each writer is an independent process with its own lock token.
			w := newTestStore(store.Path(), nil)
			key := Key{Instance: "inst", Replicate: fmt.Sprintf("r%d", i)}
			for round := 0; round < 5; round++ {
				err := w.Commit(ctx, "race", []Key{key}, func(tbl *Table) error {
					row, ok := tbl.LocateRow(key)
					if !ok {
						return ErrRowNotFound
					}
					if err := tbl.WriteFloat(row, ESSColumn("tree"), float64(i*100+round)); err != nil {
						return err
					}
					// Every writer also races on one shared cell.
					return tbl.WriteCell(0, ColRuntimeRaw, strconv.Itoa(i*1000+round))
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	tbl, err := open(store.Path(), true)
	require.NoError(t, err)
	require.NoError(t, tbl.Validate())
	assert.Equal(t, writers, tbl.Len())

	for i := 0; i < writers; i++ {
		row, ok := tbl.LocateRow(Key{Instance: "inst", Replicate: fmt.Sprintf("r%d", i)})
		require.True(t, ok)
		v, err := tbl.ReadFloat(row, ESSColumn("tree"))
		require.NoError(t, err)
		assert.Equal(t, float64(i*100+4), v, "last round of writer %d must survive", i)
	}

	shared, err := tbl.ReadCell(0, ColRuntimeRaw)
	require.NoError(t, err)
	n, err := strconv.Atoi(shared)
	require.NoError(t, err)
	assert.Equal(t, 4, n%1000, "shared cell must hold one writer's final value")
	assert.Less(t, n/1000, writers)
}
