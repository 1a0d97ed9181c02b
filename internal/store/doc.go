// Package store provides the client-resident record store used by the
// dashboard's feature modules.
//
// # Overview
//
// A Store holds named collections of records (orders, writers, invoices,
// ...). Feature modules call CRUD methods, the Store persists the whole
// state through a Port after every mutation, and then notifies subscribers
// through a Bus:
//
//	feature module ──Create/Update/Delete──▶ Store ──Save──▶ Port
//	                                            │
//	                                            └──Publish──▶ Bus ──▶ subscribers
//
// The reconciler (package reconcile) merges remote snapshots through
// Store.Apply, so subscribers see local writes and remote catch-up through
// the same channel.
//
// # Usage
//
//	st, err := store.Open(ctx, store.Options{Port: port, Source: source})
//	if err != nil {
//	    return err
//	}
//
//	unsubscribe := st.Subscribe("orders", func(ch store.Change) {
//	    log.Printf("orders changed: %s %v", ch.Op, ch.IDs)
//	})
//	defer unsubscribe()
//
//	order := st.Create("orders", store.NewRecord(store.Fields{"status": "available"}))
//	st.Update("orders", order.ID, store.Fields{"status": "assigned", "writerId": "w7"})
//
// # Error Handling
//
// The Store keeps the UI resilient rather than surfacing errors:
//
//   - Update and Delete on a missing id return ok=false and log
//   - A collection persisted in a malformed shape reads as empty and logs
//     ErrCollectionNotArray
//   - Persistence failures are logged; the in-memory mutation stands
//   - A panicking subscriber is recovered and logged
//
// Import is the exception: a malformed payload is rejected with an
// *ImportError and the state is left untouched.
//
// # Concurrency
//
// The Store is safe for concurrent use. Mutations are serialized, so for
// one collection notifications arrive strictly in mutation order. There is
// no ordering guarantee across collections.
package store
