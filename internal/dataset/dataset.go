// Package dataset stages uploaded files into queryable sources. Each
// upload gets its own directory under the configured temp root; the
// directory is removed when the owning session is deleted.
package dataset

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/parquet-go/parquet-go"

	"github.com/tabletalk/tabletalk/internal/source"
)

var (
	ErrUnsupported = errors.New("unsupported dataset format")
	ErrInvalid     = errors.New("invalid dataset file")
)

var sqliteMagic = []byte("SQLite format 3\x00")

// Stage writes the upload to its own temp directory and opens a read-only
// source over it. On error no directory is left behind.
func Stage(ctx context.Context, r io.Reader, filename, tempRoot string) (src source.Source, dir string, err error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".db", ".sqlite", ".sqlite3", ".duckdb", ".csv", ".parquet":
	case ".xlsx", ".xls":
		return nil, "", fmt.Errorf("%w: %s files are not accepted, export the sheet as CSV and upload that instead", ErrUnsupported, ext)
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}

	dir, err = os.MkdirTemp(tempRoot, "dataset-")
	if err != nil {
		return nil, "", fmt.Errorf("create dataset dir: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	path := filepath.Join(dir, "upload"+ext)
	if err = writeFile(path, r); err != nil {
		return nil, "", err
	}

	switch ext {
	case ".db", ".sqlite", ".sqlite3":
		if err = checkSQLiteMagic(path); err != nil {
			return nil, "", err
		}
		src, err = source.OpenSQLite(path)
	case ".duckdb":
		src, err = source.OpenDuckDB(path)
	case ".csv":
		table := tableName(filename)
		dbPath := filepath.Join(dir, "converted.db")
		if err = convertCSV(ctx, path, dbPath, table); err != nil {
			return nil, "", err
		}
		src, err = source.OpenSQLite(dbPath)
	case ".parquet":
		if err = checkParquet(path); err != nil {
			return nil, "", err
		}
		src, err = source.OpenParquet(ctx, map[string]string{tableName(filename): path})
	}
	if err != nil {
		return nil, "", fmt.Errorf("open dataset: %w", err)
	}
	return src, dir, nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("stage upload: %w", err)
	}
	return f.Close()
}

func checkSQLiteMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("%w: file too short for a SQLite database", ErrInvalid)
	}
	if !bytes.Equal(header, sqliteMagic) {
		return fmt.Errorf("%w: not a SQLite database", ErrInvalid)
	}
	return nil
}

func checkParquet(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := parquet.OpenFile(f, info.Size()); err != nil {
		return fmt.Errorf("%w: not a Parquet file: %v", ErrInvalid, err)
	}
	return nil
}

// convertCSV loads the CSV into a single-table SQLite database. All
// columns are stored as TEXT; SQLite's affinity rules still let numeric
// comparisons work in practice.
func convertCSV(ctx context.Context, csvPath, dbPath, table string) error {
	in, err := os.Open(csvPath)
	if err != nil {
		return err
	}
	defer in.Close()

	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("%w: missing CSV header row", ErrInvalid)
	}
	if len(header) == 0 {
		return fmt.Errorf("%w: empty CSV header row", ErrInvalid)
	}

	columns := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, name := range header {
		col := identifier(name)
		if col == "" || seen[col] {
			col = fmt.Sprintf("column_%d", i+1)
		}
		seen[col] = true
		columns[i] = col
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	quoted := make([]string, len(columns))
	holders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = `"` + col + `" TEXT`
		holders[i] = "?"
	}
	create := fmt.Sprintf(`CREATE TABLE "%s" (%s)`, table, strings.Join(quoted, ", "))
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`INSERT INTO "%s" VALUES (%s)`, table, strings.Join(holders, ", "))
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: CSV line %d: %v", ErrInvalid, line+1, err)
		}
		line++

		values := make([]any, len(columns))
		for i := range columns {
			if i < len(record) {
				values[i] = record[i]
			} else {
				values[i] = nil
			}
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return fmt.Errorf("insert CSV line %d: %w", line, err)
		}
	}
	return tx.Commit()
}

// tableName derives a SQL identifier from the upload's base name.
func tableName(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	name := identifier(base)
	if name == "" {
		return "data"
	}
	return name
}

func identifier(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(strings.ToLower(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.':
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}
