package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

var fieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// SQLite stores records as JSON documents in a single table and filters
// them with json_extract.
type SQLite struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLite creates or opens the database at dbPath. Use ":memory:" for a
// throwaway database.
func OpenSQLite(dbPath string) (*SQLite, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_tbl ON records(tbl);
	`)
	return err
}

// Insert stores rec as a new row of table.
func (s *SQLite) Insert(ctx context.Context, table Table, rec Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return wrapErr("insert", table, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO records (tbl, doc) VALUES (?, ?)`, string(table), string(doc))
	return wrapErr("insert", table, err)
}

// Select returns the records of table matching filter, oldest first.
func (s *SQLite) Select(ctx context.Context, table Table, filter Filter) ([]Record, error) {
	rows, err := s.query(ctx, table, filter)
	if err != nil {
		return nil, wrapErr("select", table, err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.rec)
	}
	return out, nil
}

// Update merges fields into every record matching filter.
func (s *SQLite) Update(ctx context.Context, table Table, filter Filter, fields Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("update", table, err)
	}
	defer tx.Rollback()

	rows, err := s.queryTx(ctx, tx, table, filter)
	if err != nil {
		return wrapErr("update", table, err)
	}
	for _, r := range rows {
		for k, v := range fields {
			r.rec[k] = v
		}
		doc, err := json.Marshal(r.rec)
		if err != nil {
			return wrapErr("update", table, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET doc = ? WHERE seq = ?`, string(doc), r.seq); err != nil {
			return wrapErr("update", table, err)
		}
	}
	return wrapErr("update", table, tx.Commit())
}

type row struct {
	seq int64
	rec Record
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLite) query(ctx context.Context, table Table, filter Filter) ([]row, error) {
	return s.queryTx(ctx, s.db, table, filter)
}

func (s *SQLite) queryTx(ctx context.Context, q queryer, table Table, filter Filter) ([]row, error) {
	where, args, err := buildWhere(table, filter)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT seq, doc FROM records WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var (
			seq int64
			doc string
		)
		if err := rows.Scan(&seq, &doc); err != nil {
			return nil, err
		}
		rec := Record{}
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", seq, err)
		}
		out = append(out, row{seq: seq, rec: rec})
	}
	return out, rows.Err()
}

func buildWhere(table Table, filter Filter) (string, []any, error) {
	clauses := []string{"tbl = ?"}
	args := []any{string(table)}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !fieldName.MatchString(k) {
			return "", nil, fmt.Errorf("invalid filter field %q", k)
		}
		v := filter[k]
		if b, ok := v.(bool); ok {
			// json_extract yields 1/0 for JSON booleans.
			if b {
				v = 1
			} else {
				v = 0
			}
		}
		clauses = append(clauses, "json_extract(doc, ?) = ?")
		args = append(args, "$."+k, v)
	}
	return strings.Join(clauses, " AND "), args, nil
}
