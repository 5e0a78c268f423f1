package schemas

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-wayang/internal/bus"
	"github.com/basket/go-wayang/internal/plan"
)

// Folders under the data directory, shared with the prompt loader.
const (
	TablesDir   = "schemas/tables"
	TextFileDir = "schemas/text_files"
	FewShotDir  = "few_shot_examples"
)

// PreviewLines is how many lines of each input file are shown to the builder.
const PreviewLines = 5

// TextFileSchema is written to schemas/text_files/<file>.json.
type TextFileSchema struct {
	File  string   `json:"file"`
	Size  int64    `json:"size_bytes"`
	Lines []string `json:"first_lines"`
}

type Loader struct {
	JDBC        plan.JDBC
	InputFolder string
	DataDir     string
	Bus         *bus.Bus
	Logger      *slog.Logger
}

// LoadAll refreshes both schema folders and reports what was written, one
// line per source kind.
func (l *Loader) LoadAll(ctx context.Context) (string, error) {
	var msgs []string

	tables := 0
	if strings.TrimSpace(l.JDBC.URI) == "" {
		msgs = append(msgs, "Skipped table schemas: JDBC_URI is not set")
	} else {
		n, err := l.LoadTables(ctx)
		if err != nil {
			return "", err
		}
		tables = n
		msgs = append(msgs, fmt.Sprintf("Loaded %d table schemas", n))
	}

	files := 0
	if strings.TrimSpace(l.InputFolder) == "" {
		msgs = append(msgs, "Skipped text file schemas: INPUT_FOLDER is not set")
	} else {
		n, err := l.LoadTextFiles()
		if err != nil {
			return "", err
		}
		files = n
		msgs = append(msgs, fmt.Sprintf("Loaded %d text file schemas", n))
	}

	l.Bus.Publish(bus.TopicSchemasLoaded, bus.SchemasEvent{Tables: tables, TextFiles: files})
	l.logger().Info("schemas loaded", "tables", tables, "text_files", files)
	return strings.Join(msgs, "\n"), nil
}

// LoadTables introspects the JDBC source and replaces schemas/tables.
func (l *Loader) LoadTables(ctx context.Context) (int, error) {
	src, err := ParseJDBC(l.JDBC.URI, l.JDBC.Username, l.JDBC.Password)
	if err != nil {
		return 0, err
	}
	db, err := sql.Open(src.Driver, src.DSN)
	if err != nil {
		return 0, fmt.Errorf("open %s source: %w", src.Driver, err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("connect to %s source: %w", src.Driver, err)
	}

	tables, err := Introspect(ctx, db, src.Dialect)
	if err != nil {
		return 0, err
	}
	dir := filepath.Join(l.DataDir, TablesDir)
	if err := resetDir(dir); err != nil {
		return 0, err
	}
	for _, t := range tables {
		if err := writeJSON(filepath.Join(dir, fileName(t.Table)+".json"), t); err != nil {
			return 0, err
		}
	}
	return len(tables), nil
}

// LoadTextFiles previews every regular file directly inside InputFolder and
// replaces schemas/text_files.
func (l *Loader) LoadTextFiles() (int, error) {
	entries, err := os.ReadDir(l.InputFolder)
	if err != nil {
		return 0, fmt.Errorf("read input folder: %w", err)
	}
	dir := filepath.Join(l.DataDir, TextFileDir)
	if err := resetDir(dir); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		schema, err := previewFile(filepath.Join(l.InputFolder, e.Name()))
		if err != nil {
			return n, err
		}
		if err := writeJSON(filepath.Join(dir, fileName(e.Name())+".json"), schema); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func previewFile(path string) (TextFileSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return TextFileSchema{}, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return TextFileSchema{}, err
	}

	schema := TextFileSchema{File: filepath.Base(path), Size: info.Size(), Lines: []string{}}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for len(schema.Lines) < PreviewLines && sc.Scan() {
		schema.Lines = append(schema.Lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return TextFileSchema{}, fmt.Errorf("preview %s: %w", path, err)
	}
	return schema, nil
}

// resetDir removes previously written *.json files so dropped tables and
// deleted files disappear from the prompt.
func resetDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func fileName(name string) string {
	return strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(name)
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
