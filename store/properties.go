package store

import (
	"context"
	"database/sql"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/types"
)

const (
	PropLastModified      = "nvd.lastModified"
	PropTotalRecordCount  = "nvd.totalRecordCount"
	PropStoredRecordCount = "nvd.storedRecordCount"
	PropLastFullSyncAt    = "nvd.lastFullSyncAt"
	PropSchemaVersion     = "version"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setProperties(ctx context.Context, e execer, d dialect, props map[string]string) error {
	q := d.rebind(`INSERT INTO properties (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`)
	for k, v := range props {
		if _, err := e.ExecContext(ctx, q, k, v); err != nil {
			return xerrors.Errorf("unable to save property %s: %w", k, err)
		}
	}
	return nil
}

// Property returns the stored value or def when the key is unknown.
func (s *Store) Property(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM properties WHERE name = ?`), key).Scan(&v)
	if xerrors.Is(err, sql.ErrNoRows) {
		return def, nil
	} else if err != nil {
		return "", xerrors.Errorf("unable to get property %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) SetProperty(ctx context.Context, key, value string) error {
	return setProperties(ctx, s.db, s.dialect, map[string]string{key: value})
}

// SetProperties writes all given properties atomically.
func (s *Store) SetProperties(ctx context.Context, props map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err = setProperties(ctx, tx, s.dialect, props); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Errorf("unable to commit properties: %w", err)
	}
	return nil
}

func (s *Store) DeleteProperty(ctx context.Context, keys ...string) error {
	q := s.rebind(`DELETE FROM properties WHERE name = ?`)
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, q, k); err != nil {
			return xerrors.Errorf("unable to delete property %s: %w", k, err)
		}
	}
	return nil
}

func (s *Store) Properties(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM properties`)
	if err != nil {
		return nil, xerrors.Errorf("unable to query properties: %w", err)
	}
	defer rows.Close()

	props := map[string]string{}
	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return nil, xerrors.Errorf("unable to scan property: %w", err)
		}
		props[k] = v
	}
	return props, rows.Err()
}

// Metadata reads the corpus metadata. An empty store yields the zero value.
func (s *Store) Metadata(ctx context.Context) (types.CorpusMetadata, error) {
	props, err := s.Properties(ctx)
	if err != nil {
		return types.CorpusMetadata{}, err
	}

	var md types.CorpusMetadata
	if md.LastModified, err = parseTime(props[PropLastModified]); err != nil {
		return md, err
	}
	if md.LastFullSyncAt, err = parseTime(props[PropLastFullSyncAt]); err != nil {
		return md, err
	}
	if v := props[PropTotalRecordCount]; v != "" {
		if md.TotalRecordCount, err = strconv.Atoi(v); err != nil {
			return md, xerrors.Errorf("invalid %s: %w", PropTotalRecordCount, err)
		}
	}
	if v := props[PropStoredRecordCount]; v != "" {
		if md.StoredRecordCount, err = strconv.Atoi(v); err != nil {
			return md, xerrors.Errorf("invalid %s: %w", PropStoredRecordCount, err)
		}
	}
	if v := props[PropSchemaVersion]; v != "" {
		if md.SchemaVersion, err = strconv.Atoi(v); err != nil {
			return md, xerrors.Errorf("invalid %s: %w", PropSchemaVersion, err)
		}
	}
	return md, nil
}

func (s *Store) SaveMetadata(ctx context.Context, md types.CorpusMetadata) error {
	props := map[string]string{
		PropLastModified:      formatTime(md.LastModified),
		PropTotalRecordCount:  strconv.Itoa(md.TotalRecordCount),
		PropStoredRecordCount: strconv.Itoa(md.StoredRecordCount),
		PropSchemaVersion:     strconv.Itoa(md.SchemaVersion),
	}
	if !md.LastFullSyncAt.IsZero() {
		props[PropLastFullSyncAt] = formatTime(md.LastFullSyncAt)
	}
	return s.SetProperties(ctx, props)
}
