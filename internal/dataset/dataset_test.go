package dataset

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"
)

func sqliteFixture(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	statements := []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, total REAL)`,
		`INSERT INTO orders VALUES (1, 9.5), (2, 20.0)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("fixture exec: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func TestStageSQLite(t *testing.T) {
	ctx := context.Background()
	src, dir, err := Stage(ctx, bytes.NewReader(sqliteFixture(t)), "orders.db", t.TempDir())
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer src.Close()
	defer os.RemoveAll(dir)

	tables, err := src.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 1 || tables[0] != "orders" {
		t.Fatalf("tables = %v", tables)
	}

	rows, err := src.Query(ctx, "SELECT count(*) FROM orders")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if rows.Rows[0][0] != int64(2) {
		t.Fatalf("count = %v", rows.Rows[0][0])
	}
}

func TestStageRejectsCorruptSQLite(t *testing.T) {
	payload := strings.NewReader("definitely not a database")
	_, _, err := Stage(context.Background(), payload, "orders.db", t.TempDir())
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestStageCSV(t *testing.T) {
	ctx := context.Background()
	csvData := "Name,Unit Price,qty\nwidget,9.50,3\ngadget,20.00,1\n"
	src, dir, err := Stage(ctx, strings.NewReader(csvData), "Q3 Sales.csv", t.TempDir())
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer src.Close()
	defer os.RemoveAll(dir)

	tables, err := src.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 1 || tables[0] != "q3_sales" {
		t.Fatalf("tables = %v, want sanitized file name", tables)
	}

	rows, err := src.Query(ctx, `SELECT name FROM q3_sales WHERE qty = '3'`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows.Rows) != 1 || rows.Rows[0][0] != "widget" {
		t.Fatalf("rows = %v", rows.Rows)
	}

	if rows.Columns[0] != "name" {
		t.Fatalf("columns = %v, want sanitized header", rows.Columns)
	}
}

func TestStageCSVSanitizesDuplicateHeaders(t *testing.T) {
	ctx := context.Background()
	csvData := "a,a,,9lives\n1,2,3,4\n"
	src, dir, err := Stage(ctx, strings.NewReader(csvData), "dup.csv", t.TempDir())
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer src.Close()
	defer os.RemoveAll(dir)

	rows, err := src.Query(ctx, "SELECT * FROM dup")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := []string{"a", "column_2", "column_3", "t_9lives"}
	for i, col := range want {
		if rows.Columns[i] != col {
			t.Fatalf("column %d = %q, want %q", i, rows.Columns[i], col)
		}
	}
}

func TestStageRejectsEmptyCSV(t *testing.T) {
	_, _, err := Stage(context.Background(), strings.NewReader(""), "empty.csv", t.TempDir())
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestStageParquet(t *testing.T) {
	type record struct {
		Name string  `parquet:"name"`
		Qty  int64   `parquet:"qty"`
		Cost float64 `parquet:"cost"`
	}

	path := filepath.Join(t.TempDir(), "inventory.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	writer := parquet.NewGenericWriter[record](f)
	if _, err := writer.Write([]record{
		{Name: "widget", Qty: 3, Cost: 9.5},
		{Name: "gadget", Qty: 1, Cost: 20},
	}); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	ctx := context.Background()
	src, dir, err := Stage(ctx, bytes.NewReader(data), "inventory.parquet", t.TempDir())
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer src.Close()
	defer os.RemoveAll(dir)

	tables, err := src.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 1 || tables[0] != "inventory" {
		t.Fatalf("tables = %v", tables)
	}

	rows, err := src.Query(ctx, "SELECT count(*) FROM inventory")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows.Rows) != 1 {
		t.Fatalf("rows = %v", rows.Rows)
	}
}

func TestStageRejectsSpreadsheets(t *testing.T) {
	for _, name := range []string{"report.xlsx", "legacy.xls"} {
		_, _, err := Stage(context.Background(), strings.NewReader("PK"), name, t.TempDir())
		if !errors.Is(err, ErrUnsupported) {
			t.Fatalf("%s: err = %v, want ErrUnsupported", name, err)
		}
		if !strings.Contains(err.Error(), "CSV") {
			t.Fatalf("%s: error does not point at CSV export: %v", name, err)
		}
	}
}

func TestStageRejectsUnknownExtension(t *testing.T) {
	_, _, err := Stage(context.Background(), strings.NewReader("x"), "notes.txt", t.TempDir())
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestStageCleansUpOnFailure(t *testing.T) {
	root := t.TempDir()
	_, _, err := Stage(context.Background(), strings.NewReader("junk"), "bad.db", root)
	if err == nil {
		t.Fatal("Stage succeeded on corrupt input")
	}
	entries, readErr := os.ReadDir(root)
	if readErr != nil {
		t.Fatalf("read temp root: %v", readErr)
	}
	if len(entries) != 0 {
		t.Fatalf("temp root not cleaned: %v", entries)
	}
}

func TestTableName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"orders.csv", "orders"},
		{"Q3 Sales.csv", "q3_sales"},
		{"2024-totals.parquet", "t_2024_totals"},
		{"___.csv", "data"},
	}
	for _, tc := range cases {
		if got := tableName(tc.in); got != tc.want {
			t.Fatalf("tableName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
