// Package store persists vulnerability records, their affected software
// rules and corpus metadata in a relational database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/lib/pq"
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"github.com/aquasecurity/vuln-identify/utils"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// fixed width keeps stored timestamps ordered as text
	timeFormat = "2006-01-02T15:04:05.000000000Z"
)

type Config struct {
	Driver           string
	ConnectionString string
	User             string
	Password         string
}

type Store struct {
	db      *sql.DB
	dialect dialect
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// Open connects to the configured database and provisions the schema on first use.
func Open(ctx context.Context, conf Config) (*Store, error) {
	var (
		d   dialect
		dsn string
		err error
	)
	switch strings.ToLower(conf.Driver) {
	case DriverPostgres, "postgresql":
		if conf.ConnectionString == "" {
			return nil, xerrors.New("postgres connection string is required")
		}
		d = postgres
		if dsn, err = postgresDSN(conf); err != nil {
			return nil, err
		}
	case DriverSQLite, "sqlite3", "":
		d = sqlite
		if dsn, err = sqliteDSN(conf.ConnectionString); err != nil {
			return nil, err
		}
	default:
		return nil, xerrors.Errorf("unsupported database driver: %s", conf.Driver)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, xerrors.Errorf("failed to open database: %w", err)
	}
	if d == sqlite && isMemory(conf.ConnectionString) {
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, dialect: d}
	if s.enc, err = zstd.NewWriter(nil); err != nil {
		db.Close()
		return nil, xerrors.Errorf("unable to create zstd encoder: %w", err)
	}
	if s.dec, err = zstd.NewReader(nil); err != nil {
		db.Close()
		return nil, xerrors.Errorf("unable to create zstd decoder: %w", err)
	}
	if err = s.migrate(ctx); err != nil {
		s.Close()
		return nil, xerrors.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		path = utils.DefaultDBPath()
	}
	if isMemory(path) {
		return path, nil
	}
	dir := filepath.Dir(path)
	ok, err := utils.Exists(dir)
	if err != nil {
		return "", xerrors.Errorf("unable to stat database directory: %w", err)
	}
	if !ok {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return "", xerrors.Errorf("unable to create database directory: %w", err)
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", nil
}

func postgresDSN(conf Config) (string, error) {
	if conf.User == "" && conf.Password == "" {
		return conf.ConnectionString, nil
	}
	if strings.HasPrefix(conf.ConnectionString, "postgres://") || strings.HasPrefix(conf.ConnectionString, "postgresql://") {
		u, err := url.Parse(conf.ConnectionString)
		if err != nil {
			return "", xerrors.Errorf("invalid postgres connection string: %w", err)
		}
		u.User = url.UserPassword(conf.User, conf.Password)
		return u.String(), nil
	}
	return fmt.Sprintf("%s user=%s password=%s", conf.ConnectionString, quoteKV(conf.User), quoteKV(conf.Password)), nil
}

func quoteKV(s string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
}

// Close flushes and closes the database handle.
func (s *Store) Close() error {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	return s.db.Close()
}

func (s *Store) rebind(q string) string {
	return s.dialect.rebind(q)
}

// Purge deletes every record, rule and property. Held sync locks are kept.
func (s *Store) Purge(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"software", "vulnerability", "properties"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return xerrors.Errorf("unable to purge %s: %w", table, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Errorf("unable to commit purge: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, xerrors.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}
