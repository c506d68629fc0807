// Package database provides SQLite connectivity for the durable record log.
//
// This package manages:
//   - Database connection with WAL mode so replay reads never block the flusher
//   - Embedded, forward-only schema migrations
//   - Connection pool and lifecycle management
//
// All statements use parameterised queries. The database file is created
// with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Persistence.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
