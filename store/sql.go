package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	durable "github.com/goliatone/go-durable"
)

// Dialect selects placeholder and error conventions of the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect normalizes a driver name.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", durable.NewError(durable.ErrInvalidInput, "unsupported sql dialect "+name, nil, map[string]any{"dialect": name})
	}
}

// driverName is the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// OpenSQL opens a database handle for dialect using the bundled drivers.
func OpenSQL(dialect Dialect, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, durable.NewError(durable.ErrInvalidInput, "sql dsn required", nil, map[string]any{"dialect": string(dialect)})
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// sqlite allows one writer at a time
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLStore persists the event log in two tables: <prefix>_instances and
// <prefix>_events.
type SQLStore struct {
	db             *sql.DB
	dialect        Dialect
	instancesTable string
	eventsTable    string
}

// SQLOption customizes SQLStore.
type SQLOption func(*SQLStore)

// WithSQLTablePrefix overrides the default "durable" table prefix.
func WithSQLTablePrefix(prefix string) SQLOption {
	return func(s *SQLStore) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			s.instancesTable = prefix + "_instances"
			s.eventsTable = prefix + "_events"
		}
	}
}

// NewSQLStore builds a store over db. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQLStore {
	if dialect == "" {
		dialect = DialectSQLite
	}
	s := &SQLStore{
		db:             db,
		dialect:        dialect,
		instancesTable: "durable_instances",
		eventsTable:    "durable_events",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Migrate creates the tables and indexes when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			version BIGINT NOT NULL,
			generation INTEGER NOT NULL,
			parent_instance_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.instancesTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status)`, s.instancesTable, s.instancesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			instance_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			generation INTEGER NOT NULL,
			kind TEXT NOT NULL,
			task_id BIGINT NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (instance_id, sequence)
		)`, s.eventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_generation_idx ON %s (instance_id, generation)`, s.eventsTable, s.eventsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, inst *durable.Instance, events []durable.Event) error {
	if s == nil || s.db == nil {
		return errors.New("sql store not configured")
	}
	next, seqd, err := prepareCreate(inst, events)
	if err != nil {
		return err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.insertInstanceQuery(),
		next.ID,
		next.Name,
		string(next.Status),
		next.Version,
		next.Generation,
		next.ParentInstanceID,
		string(data),
		formatTimestamp(next.CreatedAt),
		formatTimestamp(next.UpdatedAt),
	)
	if err != nil {
		_ = tx.Rollback()
		if s.isUniqueViolation(err) {
			return existsError(next.ID)
		}
		return err
	}
	if err := s.insertEvents(ctx, tx, next.ID, next.Generation, seqd); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Load(ctx context.Context, id string) (*durable.Instance, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	id = strings.TrimSpace(id)
	var data string
	err := s.db.QueryRowContext(ctx, s.loadInstanceQuery(), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(data)
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*durable.Instance, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	query, args := s.listQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*durable.Instance
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(inst) {
			out = append(out, inst)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortInstances(out)
	return applyLimit(out, filter.Limit), nil
}

func (s *SQLStore) Append(ctx context.Context, req AppendRequest) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sql store not configured")
	}
	if err := req.validate(); err != nil {
		return 0, err
	}
	id := strings.TrimSpace(req.InstanceID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	rollback := func(err error) (int64, error) {
		_ = tx.Rollback()
		return 0, err
	}

	var data string
	err = tx.QueryRowContext(ctx, s.loadInstanceQuery(), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return rollback(notFoundError(id))
	}
	if err != nil {
		return rollback(err)
	}
	current, err := decodeInstance(data)
	if err != nil {
		return rollback(err)
	}
	if current.Version != req.ExpectedVersion {
		return rollback(conflictError(id, req.ExpectedVersion, current.Version))
	}

	next, events := req.apply(current)
	encoded, err := json.Marshal(next)
	if err != nil {
		return rollback(err)
	}
	result, err := tx.ExecContext(ctx, s.updateInstanceQuery(),
		string(next.Status),
		next.Version,
		next.Generation,
		string(encoded),
		formatTimestamp(next.UpdatedAt),
		id,
		req.ExpectedVersion,
	)
	if err != nil {
		return rollback(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return rollback(conflictError(id, req.ExpectedVersion, -1))
	}
	if err := s.insertEvents(ctx, tx, id, next.Generation, events); err != nil {
		if s.isUniqueViolation(err) {
			return rollback(conflictError(id, req.ExpectedVersion, -1))
		}
		return rollback(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next.Version, nil
}

func (s *SQLStore) Read(ctx context.Context, id string) ([]durable.Event, error) {
	inst, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ReadGeneration(ctx, inst.ID, inst.Generation)
}

func (s *SQLStore) ReadGeneration(ctx context.Context, id string, generation int) ([]durable.Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sql store not configured")
	}
	rows, err := s.db.QueryContext(ctx, s.readEventsQuery(), strings.TrimSpace(id), generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []durable.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var evt durable.Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLStore) insertEvents(ctx context.Context, tx *sql.Tx, id string, generation int, events []durable.Event) error {
	if len(events) == 0 {
		return nil
	}
	query := s.insertEventQuery()
	for _, evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query,
			id,
			evt.Sequence,
			generation,
			string(evt.Kind),
			evt.TaskID,
			string(data),
			formatTimestamp(evt.Timestamp),
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) insertInstanceQuery() string {
	return s.rebind(fmt.Sprintf(`INSERT INTO %s (id, name, status, version, generation, parent_instance_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.instancesTable))
}

func (s *SQLStore) loadInstanceQuery() string {
	return s.rebind(fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, s.instancesTable))
}

func (s *SQLStore) updateInstanceQuery() string {
	return s.rebind(fmt.Sprintf(`UPDATE %s SET status = ?, version = ?, generation = ?, data = ?, updated_at = ? WHERE id = ? AND version = ?`, s.instancesTable))
}

func (s *SQLStore) insertEventQuery() string {
	return s.rebind(fmt.Sprintf(`INSERT INTO %s (instance_id, sequence, generation, kind, task_id, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.eventsTable))
}

func (s *SQLStore) readEventsQuery() string {
	return s.rebind(fmt.Sprintf(`SELECT data FROM %s WHERE instance_id = ? AND generation = ? ORDER BY sequence ASC`, s.eventsTable))
}

func (s *SQLStore) listQuery(filter Filter) (string, []any) {
	query := fmt.Sprintf(`SELECT data FROM %s`, s.instancesTable)
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			marks = append(marks, "?")
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if name := strings.TrimSpace(filter.Name); name != "" {
		where = append(where, "name = ?")
		args = append(args, name)
	}
	if parent := strings.TrimSpace(filter.ParentInstanceID); parent != "" {
		where = append(where, "parent_instance_id = ?")
		args = append(args, parent)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.rebind(query), args
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func decodeInstance(data string) (*durable.Instance, error) {
	var inst durable.Instance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
