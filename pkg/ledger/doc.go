// Package ledger provides the shared tabular store that coordinates operator
// weights and sampling efficiency across independently launched MCMC chain
// replicates.
//
// # Overview
//
// The ledger is a tab-separated file with one header row and one row per
// (instance, replicate) pair. Every replicate process reads and writes it,
// so all writes go through a commit protocol guarded by a sentinel-file lock
// (see internal/filelock).
//
// # Schema
//
// The header always starts with the key columns and the shared started flag:
//
//	instance  replicate  started
//
// followed by three columns per proposal group:
//
//	<group>.weight  <group>.ess  <group>.dim
//
// and the aggregate columns:
//
//	minESS.mean  minESS.sd  minESS.cv  nstates  runtime.raw  runtime.smoothed
//
// Missing values are written as the literal NA. Use Schema to build the
// canonical header for a group list.
//
// # Commit Protocol
//
// Store.Commit never edits the live file in place:
//
//  1. acquire the lock
//  2. re-open the ledger from disk (never trust a cached copy)
//  3. apply the caller's mutation in memory
//  4. write the whole table to a unique candidate path
//  5. re-open and validate the candidate
//  6. rename the candidate over the live file, or discard it on failure
//  7. release the lock on every path
//
// A failed commit therefore leaves the live ledger at its last valid state.
//
// # Usage Example
//
//	store := ledger.NewStore("runs/ledger.tsv", ledger.StoreOptions{})
//	key := ledger.Key{Instance: "inst-3", Replicate: "r1"}
//	err := store.Commit(ctx, "observations", []ledger.Key{key}, func(t *ledger.Table) error {
//		row, ok := t.LocateRow(key)
//		if !ok {
//			return ledger.ErrRowNotFound
//		}
//		return t.WriteFloat(row, ledger.ColNStates, 250000)
//	})
package ledger
