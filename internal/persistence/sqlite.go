package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/resource"
	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// log_metadata keys.
const (
	// metaLastCompaction holds the time of the last resource log rewrite.
	metaLastCompaction = "last_compaction"

	// metaMaxID holds the largest node id ever handed out. It survives
	// compaction, which drops the records of deleted nodes.
	metaMaxID = "max_id"
)

// SQLiteLog implements RecordLog on the type_log and resource_log tables
// created by the embedded migrations.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates a record log over an opened, migrated database.
func NewSQLiteLog(db *sql.DB) *SQLiteLog {
	return &SQLiteLog{db: db}
}

// ReadTypes implements RecordLog.
func (l *SQLiteLog) ReadTypes(ctx context.Context) ([]TypeRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, kind, descriptor FROM type_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying type log: %w", ErrPersistenceIO, err)
	}
	defer rows.Close()

	var out []TypeRecord
	for rows.Next() {
		var (
			rec  TypeRecord
			kind int
			raw  string
		)
		if err := rows.Scan(&rec.Seq, &kind, &raw); err != nil {
			return nil, fmt.Errorf("%w: scanning type record: %w", ErrPersistenceIO, err)
		}
		rec.Kind = resource.ChangeKind(kind)
		if err := json.Unmarshal([]byte(raw), &rec.Descriptor); err != nil {
			return nil, fmt.Errorf("%w: decoding type record %d: %w", ErrPersistenceIO, rec.Seq, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating type log: %w", ErrPersistenceIO, err)
	}
	return out, nil
}

// ReadResources implements RecordLog.
func (l *SQLiteLog) ReadResources(ctx context.Context) ([]ResourceRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, resource_id, kind, payload FROM resource_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying resource log: %w", ErrPersistenceIO, err)
	}
	defer rows.Close()

	var out []ResourceRecord
	for rows.Next() {
		var (
			rec     ResourceRecord
			kind    int
			payload sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &kind, &payload); err != nil {
			return nil, fmt.Errorf("%w: scanning resource record: %w", ErrPersistenceIO, err)
		}
		rec.Kind = resource.ChangeKind(kind)
		if payload.Valid && payload.String != "" {
			var snap resource.Snapshot
			if err := json.Unmarshal([]byte(payload.String), &snap); err != nil {
				return nil, fmt.Errorf("%w: decoding resource record %d: %w", ErrPersistenceIO, rec.Seq, err)
			}
			rec.Snapshot = &snap
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating resource log: %w", ErrPersistenceIO, err)
	}
	return out, nil
}

// Append implements RecordLog.
func (l *SQLiteLog) Append(ctx context.Context, types []TypeRecord, resources []ResourceRecord, maxID int64) error {
	maxID = max(maxID, recordsMaxID(resources))
	if len(types) == 0 && len(resources) == 0 && maxID == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: starting transaction: %w", ErrPersistenceIO, err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after Commit is a no-op

	if err := insertTypes(ctx, tx, types); err != nil {
		return err
	}
	if err := insertResources(ctx, tx, resources); err != nil {
		return err
	}
	if err := raiseMaxID(ctx, tx, maxID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing records: %w", ErrPersistenceIO, err)
	}
	return nil
}

// Rewrite implements RecordLog. The id high-water mark of the dropped
// records is kept in log_metadata.
func (l *SQLiteLog) Rewrite(ctx context.Context, records []ResourceRecord, maxID int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: starting transaction: %w", ErrPersistenceIO, err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after Commit is a no-op

	var logged sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(resource_id) FROM resource_log`).Scan(&logged); err != nil {
		return fmt.Errorf("%w: reading resource log ids: %w", ErrPersistenceIO, err)
	}
	if err := raiseMaxID(ctx, tx, max(maxID, logged.Int64, recordsMaxID(records))); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM resource_log`); err != nil {
		return fmt.Errorf("%w: clearing resource log: %w", ErrPersistenceIO, err)
	}
	if err := insertResources(ctx, tx, records); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO log_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastCompaction, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("%w: recording compaction: %w", ErrPersistenceIO, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing rewrite: %w", ErrPersistenceIO, err)
	}
	return nil
}

// ResourceCount implements RecordLog.
func (l *SQLiteLog) ResourceCount(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resource_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting resource log: %w", ErrPersistenceIO, err)
	}
	return n, nil
}

// MaxID implements RecordLog.
func (l *SQLiteLog) MaxID(ctx context.Context) (int64, error) {
	var raw string
	err := l.db.QueryRowContext(ctx,
		`SELECT value FROM log_metadata WHERE key = ?`, metaMaxID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: reading log metadata: %w", ErrPersistenceIO, err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing max id: %w", ErrPersistenceIO, err)
	}
	return id, nil
}

// LastCompaction returns the time of the last Rewrite, zero if never.
func (l *SQLiteLog) LastCompaction(ctx context.Context) (time.Time, error) {
	var raw string
	err := l.db.QueryRowContext(ctx,
		`SELECT value FROM log_metadata WHERE key = ?`, metaLastCompaction).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: reading log metadata: %w", ErrPersistenceIO, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parsing compaction time: %w", ErrPersistenceIO, err)
	}
	return t, nil
}

// Close is a no-op: the database belongs to the caller.
func (l *SQLiteLog) Close() error {
	return nil
}

// raiseMaxID stores id as the high-water mark unless a larger one is stored.
func raiseMaxID(ctx context.Context, tx *sql.Tx, id int64) error {
	if id <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO log_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value
		 WHERE CAST(excluded.value AS INTEGER) > CAST(log_metadata.value AS INTEGER)`,
		metaMaxID, strconv.FormatInt(id, 10),
	)
	if err != nil {
		return fmt.Errorf("%w: recording max id: %w", ErrPersistenceIO, err)
	}
	return nil
}

func recordsMaxID(records []ResourceRecord) int64 {
	var m int64
	for _, r := range records {
		m = max(m, r.ID)
	}
	return m
}

func insertTypes(ctx context.Context, tx *sql.Tx, types []TypeRecord) error {
	if len(types) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO type_log (type_name, kind, descriptor) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: preparing type insert: %w", ErrPersistenceIO, err)
	}
	defer stmt.Close()

	for _, r := range types {
		raw, err := json.Marshal(r.Descriptor)
		if err != nil {
			return fmt.Errorf("encoding type %q: %w", r.Descriptor.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, r.Descriptor.Name, int(r.Kind), string(raw)); err != nil {
			return fmt.Errorf("%w: inserting type %q: %w", ErrPersistenceIO, r.Descriptor.Name, err)
		}
	}
	return nil
}

func insertResources(ctx context.Context, tx *sql.Tx, records []ResourceRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO resource_log (resource_id, kind, payload) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: preparing resource insert: %w", ErrPersistenceIO, err)
	}
	defer stmt.Close()

	for _, r := range records {
		var payload sql.NullString
		if r.Snapshot != nil {
			raw, err := json.Marshal(r.Snapshot)
			if err != nil {
				return fmt.Errorf("encoding resource %d: %w", r.ID, err)
			}
			payload = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.ID, int(r.Kind), payload); err != nil {
			return fmt.Errorf("%w: inserting resource %d: %w", ErrPersistenceIO, r.ID, err)
		}
	}
	return nil
}

var _ RecordLog = (*SQLiteLog)(nil)

// descriptorRecords wraps descriptors as NEW type records.
func descriptorRecords(descs []schema.Descriptor) []TypeRecord {
	out := make([]TypeRecord, len(descs))
	for i, d := range descs {
		out[i] = TypeRecord{Kind: resource.ChangeNew, Descriptor: d}
	}
	return out
}
