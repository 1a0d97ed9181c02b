// Package reconcile merges remote snapshots into the local store without
// losing local work.
//
// # Overview
//
// A Reconciler performs one pass per Run call:
//
//  1. Single-flight guard: an overlapping pass is skipped
//  2. Minimum-interval guard: a pass too soon after the last successful
//     fetch is skipped
//  3. Fetch a snapshot from the remote authority
//  4. Significance test per collection (Significant)
//  5. Merge every significant collection (Merge)
//  6. Apply the result through the store, which persists once and notifies
//     subscribers of every collection that changed
//
// A failed fetch returns OutcomeFailed with the delay the caller should wait
// before retrying (Backoff). After Config.MaxRetries consecutive failures the
// result carries Halt, and the scheduler stops retrying until a forced sync
// succeeds.
//
// # Durability over freshness
//
// The central rule is that a merge never drops a record that only exists
// locally:
//
//   - Significant rejects a snapshot that holds fewer records, or fewer open
//     records, than the local collection
//   - Merge starts from the remote records, keeps the local version of a
//     shared id only when it is strictly newer, and appends every local-only
//     record unchanged
//
// The result always holds at least as many records as the local collection.
//
// # Staleness
//
// Config.StaleAfter relaxes the significance test once no snapshot has been
// applied for that long: any collection whose content differs is merged.
// The merge itself stays non-destructive.
//
// # Usage
//
//	rec := reconcile.New(st, source, reconcile.DefaultConfig())
//	res := rec.Run(ctx)
//	switch res.Outcome {
//	case reconcile.OutcomeMerged:
//	    log.Printf("merged %v", res.Changed)
//	case reconcile.OutcomeFailed:
//	    log.Printf("retry in %s (halt=%v)", res.RetryIn, res.Halt)
//	}
package reconcile
