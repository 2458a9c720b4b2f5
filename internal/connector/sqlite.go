package connector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

var identRe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// Ident turns an arbitrary column or table label into a safe identifier.
func Ident(name string) string {
	s := strings.Trim(identRe.ReplaceAllString(strings.TrimSpace(name), "_"), "_")
	if s == "" {
		return "col"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "c_" + s
	}
	return strings.ToLower(s)
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// FixedColumns lead every table written by the SQL destinations.
var FixedColumns = []string{"task_id", "sub_item", "schema_id"}

// SQLiteDestination inserts batches into a local SQLite database.
type SQLiteDestination struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens the database at path, creating the file if needed.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDestination, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	return &SQLiteDestination{db: db}, nil
}

func (d *SQLiteDestination) Close() error { return d.db.Close() }

func (d *SQLiteDestination) DB() *sql.DB { return d.db }

func (d *SQLiteDestination) Write(ctx context.Context, b Batch) (string, error) {
	if len(b.Rows) == 0 {
		return "", fmt.Errorf("sqlite: no rows for task %s", b.TaskID)
	}
	table := Ident(b.DataLocation)
	if b.DataLocation == "" {
		table = "extractions"
	}
	cols := Columns(b.Rows)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureTable(ctx, table, cols); err != nil {
		return "", err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	names := append([]string{}, FixedColumns...)
	for _, c := range cols {
		names = append(names, Ident(c))
	}
	quoted := make([]string, len(names))
	marks := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
		marks[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	for _, r := range b.Rows {
		args := []any{b.TaskID, b.SubItem, r.SchemaID}
		for _, v := range ColumnValuesFor(r, cols) {
			args = append(args, v)
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return "", fmt.Errorf("sqlite: insert into %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit: %w", err)
	}
	return table, nil
}

func (d *SQLiteDestination) ensureTable(ctx context.Context, table string, cols []string) error {
	defs := []string{`"task_id" TEXT`, `"sub_item" INTEGER`, `"schema_id" TEXT`}
	for _, c := range cols {
		defs = append(defs, quote(Ident(c))+" TEXT")
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(table), strings.Join(defs, ", "))
	if _, err := d.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("sqlite: create %s: %w", table, err)
	}

	existing, err := d.columns(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		id := Ident(c)
		if existing[id] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quote(table), quote(id))
		if _, err := d.db.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("sqlite: add column %s.%s: %w", table, id, err)
		}
	}
	return nil
}

func (d *SQLiteDestination) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quote(table)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: table info %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlite: table info %s: %w", table, err)
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}
