// Package schemas discovers the tables and text files the builder may read
// and writes one JSON description per source under the data directory.
package schemas

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// ErrUnsupportedURI is returned for JDBC URIs no bundled driver can open.
var ErrUnsupportedURI = errors.New("unsupported JDBC URI")

// Source is a database/sql driver name and DSN derived from a JDBC URI.
type Source struct {
	Driver  string
	DSN     string
	Dialect string
}

// ParseJDBC maps the JDBC URI handed to Wayang onto a Go driver:
// PostgreSQL through lib/pq, SQLite files through modernc.org/sqlite and
// libsql/Turso through libsql-client-go.
func ParseJDBC(uri, username, password string) (Source, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Source{}, errors.New("JDBC URI is empty")
	}
	lower := strings.ToLower(uri)

	switch {
	case strings.HasPrefix(lower, "jdbc:postgresql://"),
		strings.HasPrefix(lower, "postgresql://"),
		strings.HasPrefix(lower, "postgres://"):
		raw := uri
		if strings.HasPrefix(lower, "jdbc:") {
			raw = uri[len("jdbc:"):]
		}
		dsn, err := postgresDSN(raw, username, password)
		if err != nil {
			return Source{}, err
		}
		return Source{Driver: "postgres", DSN: dsn, Dialect: DialectPostgres}, nil

	case strings.HasPrefix(lower, "jdbc:libsql://"), strings.HasPrefix(lower, "libsql://"):
		dsn := uri[strings.Index(lower, "libsql://"):]
		if password != "" && !strings.Contains(lower, "authtoken=") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "authToken=" + url.QueryEscape(password)
		}
		return Source{Driver: "libsql", DSN: dsn, Dialect: DialectSQLite}, nil

	case strings.HasPrefix(lower, "jdbc:sqlite:"):
		return sqliteSource(uri[len("jdbc:sqlite:"):])
	case strings.HasPrefix(lower, "sqlite://"):
		return sqliteSource(uri[len("sqlite://"):])
	case strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		strings.HasSuffix(lower, ".sqlite"),
		strings.HasSuffix(lower, ".sqlite3"):
		return sqliteSource(uri)
	}
	return Source{}, fmt.Errorf("%w: %s", ErrUnsupportedURI, redactURI(uri))
}

func postgresDSN(raw, username, password string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse postgres URI: %w", err)
	}
	u.Scheme = "postgres"
	q := u.Query()
	// JDBC carries credentials as query parameters.
	if v := q.Get("user"); v != "" && username == "" {
		username = v
	}
	if v := q.Get("password"); v != "" && password == "" {
		password = v
	}
	q.Del("user")
	q.Del("password")
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()
	switch {
	case username != "" && password != "":
		u.User = url.UserPassword(username, password)
	case username != "":
		u.User = url.User(username)
	}
	return u.String(), nil
}

func sqliteSource(path string) (Source, error) {
	if path == "" {
		return Source{}, errors.New("sqlite URI has no path")
	}
	return Source{Driver: "sqlite", DSN: path, Dialect: DialectSQLite}, nil
}

func redactURI(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.User != nil {
		u.User = url.User(u.User.Username())
		return u.String()
	}
	return uri
}
