package connector_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"pipeline-service/internal/connector"
)

func rows(t *testing.T, raw ...string) []connector.Row {
	t.Helper()
	var out []connector.Row
	for i, r := range raw {
		var v map[string]any
		require.NoError(t, json.Unmarshal([]byte(r), &v))
		out = append(out, connector.Row{SchemaID: string(rune('a' + i)), Values: v})
	}
	return out
}

func TestFSSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.pdf"), []byte("B"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.PDF"), []byte("A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.pdf"), []byte("C"), 0o644))

	src, err := connector.NewFSSource(dir)
	require.NoError(t, err)
	ctx := context.Background()

	keys, err := src.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.PDF", "b.pdf", "sub/c.pdf"}, keys)

	b, err := src.Read(ctx, "sub/c.pdf")
	require.NoError(t, err)
	assert.Equal(t, "C", string(b))

	b, err = src.Read(ctx, "missing.pdf")
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = src.Read(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = src.Read(ctx, "../../etc/passwd.pdf")
	require.NoError(t, err)
	assert.Nil(t, b, "traversal is clamped to the root")
}

func TestColumnValues(t *testing.T) {
	rs := rows(t,
		`{"name":"acme","revenue":12,"items":[{"sku":"x1"},{"sku":"x2"}]}`,
		`{"name":"globex","revenue":3.5,"items":[{"sku":"y1"}]}`,
	)
	assert.Equal(t, []string{"acme", "globex"}, connector.ColumnValues(rs, "name"))
	assert.Equal(t, []string{"12", "3.5"}, connector.ColumnValues(rs, "revenue"))
	assert.Equal(t, []string{"x1", "x2", "y1"}, connector.ColumnValues(rs, "$.items[*].sku"))
	assert.Equal(t, []string{"acme", "globex"}, connector.ColumnValues(rs, "$.name"))
	assert.Equal(t, []string{"", ""}, connector.ColumnValues(rs, "missing"))
	assert.Equal(t, []string{"items", "name", "revenue"}, connector.Columns(rs))
}

func TestExcelDestinationLocated(t *testing.T) {
	dir := t.TempDir()
	d := connector.NewExcelDestination(dir)

	path, err := d.Write(context.Background(), connector.Batch{
		TaskID:          "job-1",
		SubItem:         0,
		DataLocation:    "Results",
		OutputFilename:  "report.xlsx",
		ColumnLocations: map[string]string{"name": "B2", "revenue": "C2"},
		Rows:            rows(t, `{"name":"acme","revenue":12}`, `{"name":"globex","revenue":7}`),
	})
	require.NoError(t, err)
	assert.Regexp(t, `report_0_[0-9a-f]{5}\.xlsx$`, path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	for cell, want := range map[string]string{"B2": "acme", "B3": "globex", "C2": "12", "C3": "7"} {
		got, err := f.GetCellValue("Results", cell)
		require.NoError(t, err)
		assert.Equal(t, want, got, cell)
	}
}

func TestExcelDestinationTable(t *testing.T) {
	d := connector.NewExcelDestination(t.TempDir())
	path, err := d.Write(context.Background(), connector.Batch{
		TaskID: "job-2",
		Rows:   rows(t, `{"b":"2","a":"1"}`),
	})
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := f.GetRows("Sheet1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}}, got)
}

func TestExcelDestinationBadCell(t *testing.T) {
	d := connector.NewExcelDestination(t.TempDir())
	_, err := d.Write(context.Background(), connector.Batch{
		TaskID:          "job-3",
		ColumnLocations: map[string]string{"name": "not-a-cell"},
		Rows:            rows(t, `{"name":"acme"}`),
	})
	require.Error(t, err)
}

func TestOpenSQLiteCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.db")
	d, err := connector.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer d.Close()
	assert.FileExists(t, path)
}

func TestOpenSQLiteBadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "out.db")
	_, err := connector.OpenSQLite(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite: ping")
}

func TestSQLiteDestination(t *testing.T) {
	ctx := context.Background()
	d, err := connector.OpenSQLite(ctx, filepath.Join(t.TempDir(), "out.db"))
	require.NoError(t, err)
	defer d.Close()

	table, err := d.Write(ctx, connector.Batch{
		TaskID:       "job-1",
		DataLocation: "Invoice Lines",
		Rows:         rows(t, `{"Total Amount":"10"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "invoice_lines", table)

	_, err = d.Write(ctx, connector.Batch{
		TaskID:       "job-2",
		SubItem:      1,
		DataLocation: "Invoice Lines",
		Rows:         rows(t, `{"Total Amount":"20","currency":"EUR"}`),
	})
	require.NoError(t, err)

	db := d.DB()
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "invoice_lines"`).Scan(&n))
	assert.Equal(t, 2, n)

	var currency string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT "currency" FROM "invoice_lines" WHERE "task_id" = 'job-2'`).Scan(&currency))
	assert.Equal(t, "EUR", currency)
}

func TestJSONDestination(t *testing.T) {
	dir := t.TempDir()
	d := connector.NewJSONDestination(dir)
	path, err := d.Write(context.Background(), connector.Batch{
		TaskID:  "job-9",
		SubItem: 2,
		Rows:    rows(t, `{"k":"v"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "job-9_2.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"job-9","sub_item":2,"rows":[{"schema_id":"a","k":"v"}]}`, string(raw))
}

func TestRegistry(t *testing.T) {
	r := connector.NewRegistry()
	r.AddDestination("JSON", connector.NewJSONDestination(t.TempDir()))

	_, err := r.Destination("json")
	require.NoError(t, err)

	_, err = r.Destination("excel")
	require.ErrorContains(t, err, `unknown destination "excel" (have json)`)

	_, err = r.Source("fs")
	require.Error(t, err)
}
