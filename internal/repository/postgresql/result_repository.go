package postgresql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pipeline-service/internal/connector"
)

const defaultTable = "extractions"

// ResultRepository is the Postgres loading destination: one row per schema
// result, schema keys as TEXT columns. Tables and columns are created on
// first use.
type ResultRepository struct {
	pool *pgxpool.Pool
}

func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

func (r *ResultRepository) Write(ctx context.Context, b connector.Batch) (string, error) {
	if len(b.Rows) == 0 {
		return "", fmt.Errorf("postgres: no rows for task %s", b.TaskID)
	}
	table := tableName(b.DataLocation)
	cols := connector.Columns(b.Rows)

	err := r.insert(ctx, table, cols, b)
	switch pgCode(err) {
	case "":
		return table, err
	case pgerrcode.UndefinedTable:
		if _, cerr := r.pool.Exec(ctx, createTableSQL(table, cols)); cerr != nil {
			return "", fmt.Errorf("postgres: create %s: %w", table, cerr)
		}
	case pgerrcode.UndefinedColumn:
		if _, aerr := r.pool.Exec(ctx, addColumnsSQL(table, cols)); aerr != nil {
			return "", fmt.Errorf("postgres: alter %s: %w", table, aerr)
		}
	default:
		return "", fmt.Errorf("postgres: insert into %s: %w", table, err)
	}

	if err := r.insert(ctx, table, cols, b); err != nil {
		return "", fmt.Errorf("postgres: insert into %s: %w", table, err)
	}
	return table, nil
}

func (r *ResultRepository) insert(ctx context.Context, table string, cols []string, b connector.Batch) error {
	q := insertSQL(table, cols)

	batch := &pgx.Batch{}
	for _, row := range b.Rows {
		args := []any{b.TaskID, b.SubItem, row.SchemaID}
		for _, c := range connector.ColumnValuesFor(row, cols) {
			args = append(args, c)
		}
		batch.Queue(q, args...)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func pgCode(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return "other"
}

func tableName(location string) string {
	if strings.TrimSpace(location) == "" {
		return defaultTable
	}
	return connector.Ident(location)
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func createTableSQL(table string, cols []string) string {
	defs := []string{
		`"task_id" TEXT NOT NULL`,
		`"sub_item" INTEGER NOT NULL`,
		`"schema_id" TEXT`,
	}
	for _, c := range cols {
		defs = append(defs, ident(connector.Ident(c))+" TEXT")
	}
	defs = append(defs, `"created_at" TIMESTAMPTZ NOT NULL DEFAULT now()`)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", ident(table), strings.Join(defs, ", "))
}

func addColumnsSQL(table string, cols []string) string {
	adds := make([]string, 0, len(cols))
	for _, c := range cols {
		adds = append(adds, "ADD COLUMN IF NOT EXISTS "+ident(connector.Ident(c))+" TEXT")
	}
	return fmt.Sprintf("ALTER TABLE %s %s;", ident(table), strings.Join(adds, ", "))
}

func insertSQL(table string, cols []string) string {
	names := make([]string, 0, len(cols)+len(connector.FixedColumns))
	marks := make([]string, 0, cap(names))
	for _, c := range connector.FixedColumns {
		names = append(names, ident(c))
	}
	for _, c := range cols {
		names = append(names, ident(connector.Ident(c)))
	}
	for i := range names {
		marks = append(marks, fmt.Sprintf("$%d", i+1))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);", ident(table), strings.Join(names, ", "), strings.Join(marks, ", "))
}
