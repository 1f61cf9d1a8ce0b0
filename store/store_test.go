package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquasecurity/vuln-identify/cpe"
	"github.com/aquasecurity/vuln-identify/types"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, ConnectionString: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id, criteria string, rule types.VulnerableSoftwareRule) types.VulnerabilityRecord {
	rule.Pattern = cpe.MustParse(criteria)
	return types.VulnerabilityRecord{
		ID:           id,
		Descriptions: []types.Description{{Lang: "en", Value: id + " description"}},
		Scores:       []types.Score{{Scheme: types.CVSSv31, BaseScore: 7.5, Severity: "HIGH"}},
		Published:    time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		LastModified: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		Rules:        []types.VulnerableSoftwareRule{rule},
	}
}

func TestStore_MergePage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "db", "vuln.db"))

	page := []types.VulnerabilityRecord{
		record("CVE-2007-0404", "cpe:2.3:a:django_project:django:0.95:*:*:*:*:*:*:*", types.VulnerableSoftwareRule{Vulnerable: true}),
		record("CVE-2021-44228", "cpe:2.3:a:apache:log4j:*:*:*:*:*:*:*:*", types.VulnerableSoftwareRule{
			VersionStartIncluding: "2.0", VersionEndExcluding: "2.15.0", Vulnerable: true,
		}),
	}
	n, err := s.MergePage(ctx, page, map[string]string{"cursor": "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok, err := s.Get(ctx, "CVE-2021-44228")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, page[1], got)

	cursor, err := s.Property(ctx, "cursor", "")
	require.NoError(t, err)
	assert.Equal(t, "2", cursor)

	// same id replaces the record and its rules
	replacement := record("CVE-2021-44228", "cpe:2.3:a:apache:log4j_core:*:*:*:*:*:*:*:*", types.VulnerableSoftwareRule{
		VersionEndIncluding: "2.16.0", Vulnerable: true,
	})
	_, err = s.MergePage(ctx, []types.VulnerabilityRecord{replacement}, nil)
	require.NoError(t, err)

	old, err := s.FindByVendorProduct(ctx, "apache", "log4j")
	require.NoError(t, err)
	assert.Empty(t, old)

	found, err := s.FindByVendorProduct(ctx, "Apache", "log4j_core")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "2.16.0", found[0].Rules[0].VersionEndIncluding)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// no rules: the stored copy goes away
	_, err = s.MergePage(ctx, []types.VulnerabilityRecord{{ID: "CVE-2007-0404"}}, nil)
	require.NoError(t, err)
	_, ok, err = s.Get(ctx, "CVE-2007-0404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_MergePageRollback(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "vuln.db"))

	good := record("CVE-2020-0001", "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*", types.VulnerableSoftwareRule{Vulnerable: true})
	_, err := s.MergePage(ctx, []types.VulnerabilityRecord{good, {ID: "", Rules: good.Rules}}, map[string]string{"cursor": "1"})
	require.Error(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	cursor, err := s.Property(ctx, "cursor", "none")
	require.NoError(t, err)
	assert.Equal(t, "none", cursor)
}

func TestStore_FindByVendorProductWildcard(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "vuln.db"))

	_, err := s.MergePage(ctx, []types.VulnerabilityRecord{
		record("CVE-2022-0002", "cpe:2.3:a:*:widget:*:*:*:*:*:*:*:*", types.VulnerableSoftwareRule{Vulnerable: true}),
		record("CVE-2022-0001", "cpe:2.3:a:acme:widget:*:*:*:*:*:*:*:*", types.VulnerableSoftwareRule{Vulnerable: true}),
		record("CVE-2022-0003", "cpe:2.3:a:acme:gadget:*:*:*:*:*:*:*:*", types.VulnerableSoftwareRule{Vulnerable: true}),
	}, nil)
	require.NoError(t, err)

	found, err := s.FindByVendorProduct(ctx, "acme", "widget")
	require.NoError(t, err)
	var ids []string
	for _, r := range found {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"CVE-2022-0001", "CVE-2022-0002"}, ids)

	products, err := s.VendorProducts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cpe.Identifier{
		{Part: cpe.Application, Vendor: "*", Product: "widget"},
		{Part: cpe.Application, Vendor: "acme", Product: "gadget"},
		{Part: cpe.Application, Vendor: "acme", Product: "widget"},
	}, products)
}

func TestStore_Metadata(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "vuln.db"))

	md, err := s.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CorpusMetadata{}, md)

	want := types.CorpusMetadata{
		LastModified:      time.Date(2023, 11, 28, 1, 2, 3, 456000000, time.UTC),
		TotalRecordCount:  42,
		StoredRecordCount: 40,
		LastFullSyncAt:    time.Date(2023, 11, 27, 0, 0, 0, 0, time.UTC),
		SchemaVersion:     types.SchemaVersion,
	}
	require.NoError(t, s.SaveMetadata(ctx, want))

	md, err = s.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, md)

	require.NoError(t, s.Purge(ctx))
	md, err = s.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CorpusMetadata{}, md)
}

func TestStore_Property(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "vuln.db"))

	v, err := s.Property(ctx, "version", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", v)

	require.NoError(t, s.SetProperty(ctx, "version", "1"))
	require.NoError(t, s.SetProperty(ctx, "version", "2"))
	v, err = s.Property(ctx, "version", "default")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	require.NoError(t, s.DeleteProperty(ctx, "version"))
	props, err := s.Properties(ctx)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestStore_TryLock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vuln.db")
	first := openTestStore(t, path)
	second := openTestStore(t, path)

	lock, err := first.TryLock(ctx, "sync", time.Minute)
	require.NoError(t, err)

	_, err = second.TryLock(ctx, "sync", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, lock.Refresh(ctx))
	require.NoError(t, lock.Release(ctx))

	again, err := second.TryLock(ctx, "sync", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, lock.Owner(), again.Owner())

	assert.Error(t, lock.Refresh(ctx), "released lock cannot be refreshed")
}

func TestStore_TryLockExpired(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "vuln.db"))

	stale, err := s.TryLock(ctx, "sync", -time.Second)
	require.NoError(t, err)

	fresh, err := s.TryLock(ctx, "sync", time.Minute)
	require.NoError(t, err)
	assert.Error(t, stale.Refresh(ctx))
	require.NoError(t, fresh.Release(ctx))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")

	_, err = Open(context.Background(), Config{Driver: DriverPostgres})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection string is required")
}

func TestSQLiteDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := sqliteDSN(filepath.Join(dir, "nested", "data", "vuln.db"))
	require.NoError(t, err)
	assert.Contains(t, dsn, "_pragma=busy_timeout")
	info, err := os.Stat(filepath.Join(dir, "nested", "data"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	dsn, err = sqliteDSN(":memory:")
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = sqliteDSN(filepath.Join(file, "sub", "vuln.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to stat database directory")
}

func TestPostgresDSN(t *testing.T) {
	tests := []struct {
		name string
		conf Config
		want string
	}{
		{
			name: "no credentials",
			conf: Config{ConnectionString: "host=db dbname=nvd"},
			want: "host=db dbname=nvd",
		},
		{
			name: "url form",
			conf: Config{ConnectionString: "postgres://db:5432/nvd?sslmode=disable", User: "dc", Password: "s3cret"},
			want: "postgres://dc:s3cret@db:5432/nvd?sslmode=disable",
		},
		{
			name: "key value form",
			conf: Config{ConnectionString: "host=db dbname=nvd", User: "dc", Password: "it's"},
			want: `host=db dbname=nvd user='dc' password='it\'s'`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := postgresDSN(tt.conf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", postgres.rebind("SELECT a FROM t WHERE b = ? AND c = ?"))
	assert.Equal(t, "SELECT ?", sqlite.rebind("SELECT ?"))
}
