package store

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

type dialect struct {
	driver string
	blob   string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var (
	sqlite   = dialect{driver: "sqlite", blob: "BLOB"}
	postgres = dialect{driver: "postgres", blob: "BYTEA", numbered: true}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var (
		b strings.Builder
		n int
	)
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS vulnerability (
			id TEXT PRIMARY KEY,
			ecosystem TEXT NOT NULL DEFAULT '',
			published TEXT NOT NULL DEFAULT '',
			last_modified TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT '',
			score REAL NOT NULL DEFAULT 0,
			document ` + d.blob + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS software (
			vuln_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			part TEXT NOT NULL,
			vendor TEXT NOT NULL,
			product TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			update_ver TEXT NOT NULL DEFAULT '',
			cpe TEXT NOT NULL,
			start_incl TEXT NOT NULL DEFAULT '',
			start_excl TEXT NOT NULL DEFAULT '',
			end_incl TEXT NOT NULL DEFAULT '',
			end_excl TEXT NOT NULL DEFAULT '',
			vulnerable INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (vuln_id, ordinal)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_software_vendor_product ON software (vendor, product)`,
		`CREATE TABLE IF NOT EXISTS properties (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_lock (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Errorf("unable to apply schema: %w", err)
		}
	}
	return nil
}
