package nvd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/index"
	"github.com/aquasecurity/vuln-identify/store"
	"github.com/aquasecurity/vuln-identify/types"
)

var (
	firstSync  = time.Date(2023, 11, 28, 1, 0, 0, 0, time.UTC)
	corpusTime = time.Date(2023, 11, 28, 0, 0, 0, 0, time.UTC)
)

// corpus serves fixtures chosen by query parameters and records every request.
type corpus struct {
	t *testing.T

	mu       sync.Mutex
	requests []url.Values
	apiKeys  []string
	// respond overrides the fixture for a request; return 0 to fall through.
	respond func(q url.Values, attempt int) (int, string)
}

func (c *corpus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c.mu.Lock()
	c.requests = append(c.requests, q)
	c.apiKeys = append(c.apiKeys, r.Header.Get("apiKey"))
	attempt := 0
	for _, prev := range c.requests {
		if prev.Encode() == q.Encode() {
			attempt++
		}
	}
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		if code, body := respond(q, attempt); code != 0 {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
			return
		}
	}

	var file string
	switch {
	case q.Get("lastModStartDate") != "":
		file = "incremental.json"
	case q.Get("startIndex") == "0":
		file = "page1.json"
	case q.Get("startIndex") == "2":
		file = "page2.json"
	default:
		c.t.Errorf("response file doesn't exist for %q", r.URL.String())
		w.WriteHeader(http.StatusNotFound)
		return
	}
	b, err := os.ReadFile(filepath.Join("testdata", "fixtures", file))
	require.NoError(c.t, err)
	_, err = w.Write(b)
	require.NoError(c.t, err)
}

func (c *corpus) setRespond(respond func(q url.Values, attempt int) (int, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respond = respond
	c.requests = nil
	c.apiKeys = nil
}

func (c *corpus) startIndexes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var got []string
	for _, q := range c.requests {
		got = append(got, q.Get("startIndex"))
	}
	return got
}

// windows lists the modification windows requested, as "start..end".
func (c *corpus) windows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var got []string
	for _, q := range c.requests {
		got = append(got, q.Get("lastModStartDate")+".."+q.Get("lastModEndDate"))
	}
	return got
}

func (c *corpus) lastRequest() url.Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}

func newCorpus(t *testing.T) (*corpus, *httptest.Server) {
	c := &corpus{t: t}
	ts := httptest.NewServer(c)
	t.Cleanup(ts.Close)
	return c, ts
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Driver:           store.DriverSQLite,
		ConnectionString: filepath.Join(t.TempDir(), "nvd.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testOptions(baseURL string, clock func() time.Time, opts ...option) []option {
	return append([]option{
		WithBaseURL(baseURL),
		WithAPIKey(""),
		WithMaxResultsPerPage(2),
		WithDelay(0),
		WithRetry(2),
		WithBackoff(time.Millisecond, time.Millisecond),
		WithPageTimeout(5 * time.Second),
		WithClock(clock),
	}, opts...)
}

func TestUpdater_FullThenSkipThenIncremental(t *testing.T) {
	ctx := context.Background()
	c, ts := newCorpus(t)
	s := openStore(t)
	idx := index.New()

	now := firstSync
	clock := func() time.Time { return now }
	u := NewUpdater(s, testOptions(ts.URL, clock, WithIndex(idx), WithDelay(time.Millisecond))...)

	res, err := u.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, []string{"0", "2"}, c.startIndexes())

	md, err := s.Metadata(ctx)
	require.NoError(t, err)
	assert.True(t, corpusTime.Equal(md.LastModified), md.LastModified)
	assert.True(t, firstSync.Equal(md.LastFullSyncAt), md.LastFullSyncAt)
	// one listed entry has no applicability data and is not stored
	assert.Equal(t, 4, md.TotalRecordCount)
	assert.Equal(t, 3, md.StoredRecordCount)
	assert.Equal(t, types.SchemaVersion, md.SchemaVersion)

	assert.True(t, idx.Ready())
	assert.Equal(t, 2, idx.Len())

	rec, ok, err := s.Get(ctx, "CVE-2021-22903")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ruby", rec.Ecosystem)
	require.Len(t, rec.Scores, 1)
	assert.InDelta(t, 6.1, rec.Scores[0].BaseScore, 0.001)
	assert.Equal(t, "MEDIUM", rec.Scores[0].Severity)

	// second run inside the validity window
	now = firstSync.Add(time.Hour)
	res, err = u.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeSkip, res.Mode)
	assert.Equal(t, StateDone, res.State)
	assert.Zero(t, res.Pages)
	assert.Len(t, c.startIndexes(), 2)

	now = time.Date(2023, 11, 29, 12, 0, 0, 0, time.UTC)
	res, err = u.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, 1, res.Pages)

	last := c.lastRequest()
	assert.Equal(t, "2023-11-28T00:00:00", last.Get("lastModStartDate"))
	assert.Equal(t, "2023-11-29T12:00:00", last.Get("lastModEndDate"))

	rec, ok, err = s.Get(ctx, "CVE-2021-3881")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "libmobi before 0.8 is vulnerable to Out-of-bounds Read", rec.Description())
	require.Len(t, rec.Rules, 2)
	assert.False(t, rec.Rules[1].Vulnerable)

	md, err = s.Metadata(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(md.LastModified), md.LastModified)
	assert.True(t, firstSync.Equal(md.LastFullSyncAt), "incremental runs keep lastFullSyncAt")
	assert.Equal(t, 4, md.TotalRecordCount)
	assert.Equal(t, 3, md.StoredRecordCount)
}

func TestUpdater_APIKey(t *testing.T) {
	t.Setenv("NVD_API_KEY", "test_api_key")
	c, ts := newCorpus(t)

	u := NewUpdater(openStore(t), WithBaseURL(ts.URL), WithMaxResultsPerPage(2), WithDelay(0),
		WithClock(func() time.Time { return firstSync }))
	_, err := u.Update(context.Background())
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []string{"test_api_key", "test_api_key"}, c.apiKeys)
}

func TestUpdater_Failures(t *testing.T) {
	tests := []struct {
		name        string
		respond     func(q url.Values, attempt int) (int, string)
		wantFatal   bool
		wantStored  int
		wantIndexes []string
	}{
		{
			name: "not found aborts the run",
			respond: func(q url.Values, attempt int) (int, string) {
				return http.StatusNotFound, `{"message":"not found"}`
			},
			wantFatal:   true,
			wantIndexes: []string{"0"},
		},
		{
			name: "bad request on page 2 keeps page 1",
			respond: func(q url.Values, attempt int) (int, string) {
				if q.Get("startIndex") == "2" {
					return http.StatusBadRequest, ""
				}
				return 0, ""
			},
			wantFatal:   true,
			wantStored:  2,
			wantIndexes: []string{"0", "2"},
		},
		{
			name: "retries exhausted",
			respond: func(q url.Values, attempt int) (int, string) {
				return http.StatusServiceUnavailable, ""
			},
			wantIndexes: []string{"0", "0"},
		},
		{
			name: "page out of sequence",
			respond: func(q url.Values, attempt int) (int, string) {
				b, _ := os.ReadFile(filepath.Join("testdata", "fixtures", "page2.json"))
				return http.StatusOK, string(b)
			},
			wantFatal:   true,
			wantIndexes: []string{"0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c, ts := newCorpus(t)
			c.setRespond(tt.respond)
			s := openStore(t)

			u := NewUpdater(s, testOptions(ts.URL, func() time.Time { return firstSync })...)
			res, err := u.Update(ctx)
			require.Error(t, err)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, tt.wantFatal, xerrors.Is(err, ErrFatalResponse), err)
			assert.Equal(t, tt.wantIndexes, c.startIndexes())

			count, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, count)

			md, err := s.Metadata(ctx)
			require.NoError(t, err)
			assert.True(t, md.LastModified.IsZero(), "lastModified must not advance on failure")
			assert.True(t, md.LastFullSyncAt.IsZero())
		})
	}
}

func TestUpdater_TransientFailuresAreRetried(t *testing.T) {
	tests := []struct {
		name    string
		respond func(q url.Values, attempt int) (int, string)
	}{
		{
			name: "service unavailable",
			respond: func(q url.Values, attempt int) (int, string) {
				if attempt == 1 {
					return http.StatusServiceUnavailable, ""
				}
				return 0, ""
			},
		},
		{
			name: "rate limited",
			respond: func(q url.Values, attempt int) (int, string) {
				if attempt == 1 {
					return http.StatusTooManyRequests, ""
				}
				return 0, ""
			},
		},
		{
			name: "malformed body",
			respond: func(q url.Values, attempt int) (int, string) {
				if attempt == 1 {
					return http.StatusOK, `{"resultsPerPage": 2, "vulnerabilities": [`
				}
				return 0, ""
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ts := newCorpus(t)
			c.setRespond(tt.respond)
			s := openStore(t)

			u := NewUpdater(s, testOptions(ts.URL, func() time.Time { return firstSync })...)
			res, err := u.Update(context.Background())
			require.NoError(t, err)
			assert.Equal(t, StateDone, res.State)
			assert.Equal(t, []string{"0", "0", "2", "2"}, c.startIndexes())

			count, err := s.Count(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 3, count)
		})
	}
}

func TestUpdater_ResumesFromNextUncommittedPage(t *testing.T) {
	ctx := context.Background()
	c, ts := newCorpus(t)
	c.setRespond(func(q url.Values, attempt int) (int, string) {
		if q.Get("startIndex") == "2" {
			return http.StatusInternalServerError, ""
		}
		return 0, ""
	})
	s := openStore(t)
	u := NewUpdater(s, testOptions(ts.URL, func() time.Time { return firstSync }, WithRetry(1))...)

	res, err := u.Update(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.Pages)

	_, resume, err := u.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "FULL interval 0 startIndex 2", resume)

	c.setRespond(nil)

	res, err = u.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, 2, res.Pages)
	// the rest of the listing, then what changed since it started
	assert.Equal(t, []string{"2", "0"}, c.startIndexes())
	assert.Equal(t, []string{"..", "2023-11-28T00:00:00..2023-11-28T01:00:00"}, c.windows())

	md, resume, err := u.Metadata(ctx)
	require.NoError(t, err)
	assert.Empty(t, resume)
	assert.Equal(t, 4, md.TotalRecordCount)
	assert.True(t, time.Date(2023, 11, 29, 12, 0, 0, 0, time.UTC).Equal(md.LastModified), md.LastModified)
	assert.False(t, md.LastFullSyncAt.IsZero())
}

func TestUpdater_ResumeCoversTimeSinceInterruption(t *testing.T) {
	ctx := context.Background()
	c, ts := newCorpus(t)
	s := openStore(t)

	now := firstSync
	u := NewUpdater(s, testOptions(ts.URL, func() time.Time { return now }, WithRetry(1))...)
	_, err := u.Update(ctx)
	require.NoError(t, err)

	// two windows are due; the second one fails
	now = corpusTime.Add(150 * 24 * time.Hour)
	c.setRespond(func(q url.Values, attempt int) (int, string) {
		if q.Get("lastModStartDate") == "2024-03-27T00:00:00" {
			return http.StatusServiceUnavailable, ""
		}
		return 0, ""
	})
	res, err := u.Update(ctx)
	require.Error(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, 1, res.Pages)

	_, resume, err := u.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INCREMENTAL interval 1 startIndex 0", resume)

	// resumed ten days later
	now = now.Add(10 * 24 * time.Hour)
	c.setRespond(nil)
	res, err = u.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{
		"2024-03-27T00:00:00..2024-04-26T00:00:00",
		"2024-04-26T00:00:00..2024-05-06T00:00:00",
	}, c.windows())

	md, resume, err := u.Metadata(ctx)
	require.NoError(t, err)
	assert.Empty(t, resume)
	assert.Equal(t, 4, md.TotalRecordCount)
	assert.Equal(t, 3, md.StoredRecordCount)
}

func TestUpdater_LeaseOutlivesSlowPage(t *testing.T) {
	ctx := context.Background()
	c, ts := newCorpus(t)
	s := openStore(t)

	taken := make(chan error, 1)
	c.setRespond(func(q url.Values, attempt int) (int, string) {
		if q.Get("startIndex") != "0" || attempt != 1 {
			return 0, ""
		}
		// stay well past the lease before answering
		time.Sleep(300 * time.Millisecond)
		lock, err := s.TryLock(ctx, lockName, time.Minute)
		if err == nil {
			_ = lock.Release(ctx)
		}
		taken <- err
		return 0, ""
	})

	u := NewUpdater(s, testOptions(ts.URL, func() time.Time { return firstSync }, WithLockTTL(90*time.Millisecond))...)
	res, err := u.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)

	err = <-taken
	assert.True(t, xerrors.Is(err, store.ErrLocked), err)
}

// cancellingStore cancels the run once the first page is committed.
type cancellingStore struct {
	*store.Store
	cancel context.CancelFunc
}

func (s cancellingStore) MergePage(ctx context.Context, records []types.VulnerabilityRecord, props map[string]string) (int, error) {
	n, err := s.Store.MergePage(ctx, records, props)
	s.cancel()
	return n, err
}

func TestUpdater_Cancel(t *testing.T) {
	c, ts := newCorpus(t)
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	u := NewUpdater(cancellingStore{Store: s, cancel: cancel}, testOptions(ts.URL, func() time.Time { return firstSync })...)
	res, err := u.Update(ctx)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, context.Canceled), err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []string{"0"}, c.startIndexes())

	bg := context.Background()
	count, err := s.Count(bg)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	md, err := s.Metadata(bg)
	require.NoError(t, err)
	assert.True(t, md.LastFullSyncAt.IsZero())

	// the lock was released
	lock, err := s.TryLock(bg, lockName, time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Release(bg))
}

func TestUpdater_AlreadyRunning(t *testing.T) {
	ctx := context.Background()
	c, ts := newCorpus(t)
	s := openStore(t)

	lock, err := s.TryLock(ctx, lockName, time.Hour)
	require.NoError(t, err)
	defer lock.Release(ctx)

	u := NewUpdater(s, testOptions(ts.URL, func() time.Time { return firstSync })...)
	res, err := u.Update(ctx)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, store.ErrLocked))
	assert.Contains(t, err.Error(), "already running")
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, c.startIndexes())

	assert.True(t, xerrors.Is(u.Purge(ctx), store.ErrLocked))
}

func TestUpdater_PurgeForcesFull(t *testing.T) {
	ctx := context.Background()
	_, ts := newCorpus(t)
	s := openStore(t)
	u := NewUpdater(s, testOptions(ts.URL, func() time.Time { return firstSync })...)

	_, err := u.Update(ctx)
	require.NoError(t, err)
	require.NoError(t, u.Purge(ctx))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	res, err := u.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)

	md, err := s.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, md.TotalRecordCount)
}

func TestUpdater_TimestampMovingBackward(t *testing.T) {
	ctx := context.Background()
	c, ts := newCorpus(t)
	s := openStore(t)

	now := firstSync
	u := NewUpdater(s, testOptions(ts.URL, func() time.Time { return now })...)
	_, err := u.Update(ctx)
	require.NoError(t, err)

	c.setRespond(func(q url.Values, attempt int) (int, string) {
		b, _ := os.ReadFile(filepath.Join("testdata", "fixtures", "stale.json"))
		return http.StatusOK, string(b)
	})
	now = firstSync.Add(48 * time.Hour)
	res, err := u.Update(ctx)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, ErrCorruptData), err)
	assert.Equal(t, ModeIncremental, res.Mode)

	md, err := s.Metadata(ctx)
	require.NoError(t, err)
	assert.True(t, corpusTime.Equal(md.LastModified))
}

func TestUpdater_InvalidOptions(t *testing.T) {
	_, ts := newCorpus(t)
	u := NewUpdater(openStore(t), WithBaseURL("ftp://"+ts.Listener.Addr().String()), WithMaxResultsPerPage(5000),
		WithRetry(0), WithDelay(-time.Second))

	res, err := u.Update(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	for _, want := range []string{"results per page", "retry count", "negative delay", "invalid base url"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestTimeIntervals(t *testing.T) {
	tests := []struct {
		name            string
		lastUpdatedTime time.Time
		fakeTimeNow     time.Time
		wantIntervals   []interval
	}{
		{
			name:            "one interval",
			lastUpdatedTime: time.Date(2023, 11, 26, 0, 0, 0, 0, time.UTC),
			fakeTimeNow:     time.Date(2023, 11, 28, 0, 0, 0, 0, time.UTC),
			wantIntervals: []interval{
				{
					Start: "2023-11-26T00:00:00",
					End:   "2023-11-28T00:00:00",
				},
			},
		},
		{
			name:            "two intervals",
			lastUpdatedTime: time.Date(2023, 5, 28, 0, 0, 0, 0, time.UTC),
			fakeTimeNow:     time.Date(2023, 11, 28, 0, 0, 0, 0, time.UTC),
			wantIntervals: []interval{
				{
					Start: "2023-05-28T00:00:00",
					End:   "2023-09-25T00:00:00",
				},
				{
					Start: "2023-09-25T00:00:00",
					End:   "2023-11-28T00:00:00",
				},
			},
		},
		{
			name:            "exactly 120 days",
			lastUpdatedTime: time.Date(2023, 5, 28, 0, 0, 0, 0, time.UTC),
			fakeTimeNow:     time.Date(2023, 9, 25, 0, 0, 0, 0, time.UTC),
			wantIntervals: []interval{
				{
					Start: "2023-05-28T00:00:00",
					End:   "2023-09-25T00:00:00",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantIntervals, timeIntervals(tt.lastUpdatedTime, tt.fakeTimeNow))
		})
	}
}
