package source

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DialectSQLite = "sqlite"
	DialectDuckDB = "duckdb"
)

// defaultMaxRows is a hard cap applied around every query, independent of
// whatever LIMIT the model writes.
const defaultMaxRows = 200

type dbSource struct {
	db      *sql.DB
	dialect string
	maxRows int
}

// OpenSQLite opens an uploaded SQLite database file read-only.
func OpenSQLite(path string) (Source, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to sqlite database: %w", err)
	}
	return &dbSource{db: db, dialect: DialectSQLite, maxRows: defaultMaxRows}, nil
}

// OpenDuckDB opens an uploaded DuckDB database file read-only.
func OpenDuckDB(path string) (Source, error) {
	db, err := sql.Open("duckdb", path+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("open duckdb database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to duckdb database: %w", err)
	}
	return &dbSource{db: db, dialect: DialectDuckDB, maxRows: defaultMaxRows}, nil
}

// OpenParquet opens an in-memory DuckDB instance with one view per parquet
// file, keyed by table name.
func OpenParquet(ctx context.Context, files map[string]string) (Source, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no parquet files provided")
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	for tableName, path := range files {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(tableName), quoteString(path))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create view for table %q: %w", tableName, err)
		}
	}
	return &dbSource{db: db, dialect: DialectDuckDB, maxRows: defaultMaxRows}, nil
}

func (s *dbSource) Dialect() string {
	return s.dialect
}

func (s *dbSource) Close() error {
	return s.db.Close()
}

func (s *dbSource) ListTables(ctx context.Context) ([]string, error) {
	var listSQL string
	switch s.dialect {
	case DialectSQLite:
		listSQL = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
	default:
		listSQL = `SELECT table_name FROM information_schema.tables WHERE table_schema = 'main'`
	}

	rows, err := s.db.QueryContext(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *dbSource) DescribeTables(ctx context.Context, names []string, sampleRows int) (string, error) {
	known, err := s.ListTables(ctx)
	if err != nil {
		return "", err
	}
	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}

	if sampleRows <= 0 {
		sampleRows = 3
	}

	var out strings.Builder
	for i, name := range names {
		if !knownSet[name] {
			return "", fmt.Errorf("table %q does not exist", name)
		}
		if i > 0 {
			out.WriteString("\n\n")
		}
		ddl, err := s.tableDDL(ctx, name)
		if err != nil {
			return "", err
		}
		out.WriteString(ddl)

		sample, err := s.execQuery(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(name), sampleRows), 0)
		if err != nil {
			return "", fmt.Errorf("sample rows for table %q: %w", name, err)
		}
		out.WriteString("\n\n/*\n")
		fmt.Fprintf(&out, "%d rows from %s table:\n", len(sample.Rows), name)
		out.WriteString(sample.Render())
		out.WriteString("*/")
	}
	return out.String(), nil
}

// tableDDL synthesizes a CREATE TABLE statement from the column metadata of
// a zero-row select. Synthesizing keeps the format identical across engines
// and works for views, which have no stored DDL.
func (s *dbSource) tableDDL(ctx context.Context, name string) (string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteIdent(name)))
	if err != nil {
		return "", fmt.Errorf("describe table %q: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return "", fmt.Errorf("column types for table %q: %w", name, err)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "CREATE TABLE %s (\n", quoteIdent(name))
	for i, col := range types {
		typeName := col.DatabaseTypeName()
		if typeName == "" {
			typeName = "TEXT"
		}
		fmt.Fprintf(&out, "\t%s %s", quoteIdent(col.Name()), typeName)
		if i < len(types)-1 {
			out.WriteString(",")
		}
		out.WriteString("\n")
	}
	out.WriteString(")")
	return out.String(), nil
}

func (s *dbSource) Query(ctx context.Context, sqlText string) (Rows, error) {
	if err := EnsureReadOnly(sqlText); err != nil {
		return Rows{}, err
	}
	return s.execQuery(ctx, stripTrailingSemicolons(sqlText), s.maxRows)
}

func (s *dbSource) execQuery(ctx context.Context, sqlText string, maxRows int) (Rows, error) {
	if maxRows > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, maxRows)
	}

	rows, err := s.db.QueryContext(ctx, sqlText)
	if err != nil {
		return Rows{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Rows{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Rows{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Rows{}, fmt.Errorf("iterate rows: %w", err)
	}

	return Rows{Columns: columns, Rows: resultRows}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

// Render formats the result as tab-separated text with a header row, the
// shape the model receives as a tool result.
func (rows Rows) Render() string {
	var out strings.Builder
	out.WriteString(strings.Join(rows.Columns, "\t"))
	out.WriteString("\n")
	for _, row := range rows.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			if value == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprintf("%v", value)
		}
		out.WriteString(strings.Join(cells, "\t"))
		out.WriteString("\n")
	}
	return out.String()
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}
