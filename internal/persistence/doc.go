// Package persistence provides the durable write-behind log behind the
// resource store.
//
// The store reports every structural creation, deletion and value change
// as a resource.Change. The Coordinator collapses pending changes per node,
// and a background task flushes them periodically: at flush time it reads
// the current form of each dirty node from the store and appends one record
// per node to the resource log, together with any newly registered types,
// in a single SQL transaction.
//
// # Record Logs
//
// Two append-only tables hold the durable state:
//
//	type_log      one record per registered type descriptor
//	resource_log  {resource_id, kind, payload} with kind NEW, DELETED or VALUE
//
// Replay folds both logs in seq order into a resource.Image: NEW and VALUE
// replace a node's snapshot, DELETED removes it.
//
// # Transactions
//
// StartTransaction and FinishTransaction nest. While any bracket is open the
// periodic flush is skipped, so a multi-step edit reaches the log in one
// write. Closing the outermost bracket flushes at once. In-memory
// visibility is never affected.
//
// # Failures
//
// A failed flush keeps its records pending and retries them on the next
// tick. The error wraps ErrPersistenceIO, is logged, reported to OnError
// and kept for LastError until a flush succeeds.
//
// # Usage
//
//	log := persistence.NewSQLiteLog(db)
//	coord := persistence.New(persistence.Options{
//	    Log:           log,
//	    FlushInterval: cfg.FlushInterval(),
//	    Logger:        logger,
//	})
//	store, err := resource.Open(ctx, resource.Options{Schema: reg, Persistence: coord})
package persistence
