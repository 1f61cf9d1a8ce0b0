package nvd

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/cpe"
	"github.com/aquasecurity/vuln-identify/index"
	"github.com/aquasecurity/vuln-identify/log"
	"github.com/aquasecurity/vuln-identify/metrics"
	"github.com/aquasecurity/vuln-identify/store"
	"github.com/aquasecurity/vuln-identify/types"
	"github.com/aquasecurity/vuln-identify/utils"
)

const (
	url20          = "https://services.nvd.nist.gov/rest/json/cves/2.0/"
	nvdTimeFormat  = "2006-01-02T15:04:05"
	maxPerPage     = 2000
	maxWindowDays  = 120
	lockName       = "nvd"
	propSyncCursor = "nvd.sync.cursor"
)

// ErrCorruptData is returned when the remote corpus reports a timestamp
// older than the one already stored.
var ErrCorruptData = xerrors.New("remote timestamp moves backward")

// ErrLeaseLost is the cause of a run cancelled because another process took
// over the store lock.
var ErrLeaseLost = xerrors.New("sync lease lost")

type Mode string

const (
	ModeSkip        Mode = "SKIP"
	ModeIncremental Mode = "INCREMENTAL"
	ModeFull        Mode = "FULL"
)

type State string

const (
	StateCheckFreshness State = "CHECK_FRESHNESS"
	StateFetching       State = "FETCHING"
	StateMerging        State = "MERGING"
	StateReindexing     State = "REINDEXING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Store is the part of *store.Store the updater writes through.
type Store interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (*store.Lock, error)
	Metadata(ctx context.Context) (types.CorpusMetadata, error)
	SaveMetadata(ctx context.Context, md types.CorpusMetadata) error
	MergePage(ctx context.Context, records []types.VulnerabilityRecord, props map[string]string) (int, error)
	Count(ctx context.Context) (int, error)
	Property(ctx context.Context, key, def string) (string, error)
	DeleteProperty(ctx context.Context, keys ...string) error
	Purge(ctx context.Context) error
	VendorProducts(ctx context.Context) ([]cpe.Identifier, error)
}

// Reindexer is rebuilt from the store once a run has merged its pages.
type Reindexer interface {
	Ready() bool
	Rebuild(ctx context.Context, src index.ProductSource) error
}

type options struct {
	baseURL         string
	apiKey          string
	auth            Auth
	resultsPerPage  int
	delay           time.Duration
	retry           int
	initialInterval time.Duration
	maxInterval     time.Duration
	pageTimeout     time.Duration
	validFor        time.Duration
	lockTTL         time.Duration
	clock           func() time.Time
	progress        bool
	index           Reindexer
	metrics         *metrics.Metrics
	logger          *zap.SugaredLogger
}

type option func(*options)

func WithBaseURL(url string) option {
	return func(opts *options) {
		opts.baseURL = url
	}
}

func WithAPIKey(apiKey string) option {
	return func(opts *options) {
		opts.apiKey = apiKey
	}
}

func WithAuth(auth Auth) option {
	return func(opts *options) {
		opts.auth = auth
	}
}

func WithMaxResultsPerPage(n int) option {
	return func(opts *options) {
		opts.resultsPerPage = n
	}
}

// WithDelay sets the pause between two page requests.
func WithDelay(d time.Duration) option {
	return func(opts *options) {
		opts.delay = d
	}
}

// WithRetry sets the maximum number of attempts per page, the first request included.
func WithRetry(n int) option {
	return func(opts *options) {
		opts.retry = n
	}
}

func WithBackoff(initial, max time.Duration) option {
	return func(opts *options) {
		opts.initialInterval = initial
		opts.maxInterval = max
	}
}

func WithPageTimeout(d time.Duration) option {
	return func(opts *options) {
		opts.pageTimeout = d
	}
}

// WithValidFor sets how long a synchronized corpus is considered fresh.
func WithValidFor(d time.Duration) option {
	return func(opts *options) {
		opts.validFor = d
	}
}

func WithLockTTL(d time.Duration) option {
	return func(opts *options) {
		opts.lockTTL = d
	}
}

func WithClock(clock func() time.Time) option {
	return func(opts *options) {
		opts.clock = clock
	}
}

func WithProgress(progress bool) option {
	return func(opts *options) {
		opts.progress = progress
	}
}

func WithIndex(index Reindexer) option {
	return func(opts *options) {
		opts.index = index
	}
}

func WithMetrics(m *metrics.Metrics) option {
	return func(opts *options) {
		opts.metrics = m
	}
}

func WithLogger(logger *zap.SugaredLogger) option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Result describes how a run ended.
type Result struct {
	Mode         Mode
	State        State
	Pages        int
	Records      int
	LastModified time.Time
	Err          error
}

type Updater struct {
	*options
	store  Store
	client *Client
}

func NewUpdater(s Store, opts ...option) Updater {
	o := &options{
		baseURL:         url20,
		apiKey:          utils.LookupEnv("NVD_API_KEY", ""),
		resultsPerPage:  maxPerPage,
		delay:           2 * time.Second,
		retry:           5,
		initialInterval: time.Second,
		maxInterval:     30 * time.Second,
		pageTimeout:     2 * time.Minute,
		validFor:        4 * time.Hour,
		lockTTL:         10 * time.Minute,
		clock:           time.Now,
		logger:          log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return Updater{
		options: o,
		store:   s,
		client:  newClient(o),
	}
}

func (o *options) validate() error {
	var errs error
	if o.resultsPerPage < 1 || o.resultsPerPage > maxPerPage {
		errs = multierror.Append(errs, xerrors.Errorf("results per page must be in [1, %d], got %d", maxPerPage, o.resultsPerPage))
	}
	if o.retry < 1 {
		errs = multierror.Append(errs, xerrors.Errorf("retry count must be positive, got %d", o.retry))
	}
	if o.delay < 0 {
		errs = multierror.Append(errs, xerrors.Errorf("negative delay %s", o.delay))
	}
	if o.validFor < 0 {
		errs = multierror.Append(errs, xerrors.Errorf("negative validity window %s", o.validFor))
	}
	if o.pageTimeout <= 0 {
		errs = multierror.Append(errs, xerrors.Errorf("page timeout must be positive, got %s", o.pageTimeout))
	}
	if o.lockTTL <= 0 {
		errs = multierror.Append(errs, xerrors.Errorf("lock ttl must be positive, got %s", o.lockTTL))
	}
	if u, err := url.Parse(o.baseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = multierror.Append(errs, xerrors.Errorf("invalid base url %q", o.baseURL))
	}
	if o.auth.BearerToken != "" && o.auth.User != "" {
		errs = multierror.Append(errs, xerrors.New("bearer token and basic credentials are mutually exclusive"))
	}
	return errs
}

type interval struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// cursor is persisted with every merged page so an interrupted run resumes
// from the next uncommitted page.
type cursor struct {
	Mode         Mode       `json:"mode"`
	Intervals    []interval `json:"intervals"`
	Interval     int        `json:"interval"`
	StartIndex   int        `json:"startIndex"`
	MaxTimestamp time.Time  `json:"maxTimestamp"`
	// Started is the server timestamp of the first committed page.
	Started time.Time `json:"started"`
	// RemoteTotal is the size of the full listing reported by the server.
	RemoteTotal int `json:"remoteTotal,omitempty"`
	// StoredBefore is the stored record count when an incremental run began.
	StoredBefore int `json:"storedBefore,omitempty"`
}

func (c cursor) done() bool {
	return c.Interval >= len(c.Intervals)
}

// coveredUntil is the instant up to which the saved intervals request
// changes. A full listing covers what was modified before its first page.
func (c cursor) coveredUntil() (time.Time, bool) {
	if n := len(c.Intervals); n > 0 && c.Intervals[n-1].End != "" {
		t, err := time.Parse(nvdTimeFormat, c.Intervals[n-1].End)
		return t, err == nil
	}
	return c.Started, !c.Started.IsZero()
}

// extend appends the windows between the end of the saved intervals and now,
// so a resumed run also picks up what changed while it was interrupted.
func (c *cursor) extend(now time.Time) {
	since, ok := c.coveredUntil()
	if !ok || !now.Truncate(time.Second).After(since) {
		return
	}
	c.Intervals = append(c.Intervals, timeIntervals(since, now)...)
}

// run holds the state of one Update call.
type run struct {
	lock   *store.Lock
	md     types.CorpusMetadata
	cursor cursor
	result Result
}

// Update brings the store up to date. It returns an error wrapping
// store.ErrLocked when another run holds the store.
func (u Updater) Update(ctx context.Context) (Result, error) {
	if err := u.validate(); err != nil {
		return Result{State: StateFailed, Err: err}, xerrors.Errorf("invalid options: %w", err)
	}

	lock, err := u.store.TryLock(ctx, lockName, u.lockTTL)
	if err != nil {
		return Result{State: StateFailed, Err: err}, xerrors.Errorf("unable to start synchronization: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			u.logger.Warnw("unable to release lock", "err", err)
		}
	}()

	runCtx, stop := u.keepAlive(ctx, lock)
	defer stop()

	r := &run{lock: lock}
	state := StateCheckFreshness
	for state != StateDone && state != StateFailed {
		u.logger.Debugw("sync state", "state", state, "mode", r.result.Mode)
		switch state {
		case StateCheckFreshness:
			state, err = u.checkFreshness(runCtx, r)
		case StateFetching:
			state, err = u.fetchAll(runCtx, r)
		case StateMerging:
			state, err = u.finalize(runCtx, r)
		case StateReindexing:
			state, err = u.reindex(runCtx, r)
		}
		if err != nil {
			state = StateFailed
		}
	}

	if cause := context.Cause(runCtx); err != nil && xerrors.Is(cause, ErrLeaseLost) {
		err = xerrors.Errorf("%v: %w", err, cause)
	}
	r.result.State = state
	r.result.Err = err
	u.metrics.SyncRun(string(r.result.Mode), string(state))
	if err != nil {
		u.logger.Warnw("synchronization failed", "mode", r.result.Mode, "pages", r.result.Pages, "err", err)
		return r.result, err
	}
	u.metrics.SyncSucceeded(float64(u.clock().Unix()))
	u.logger.Infow("synchronization done", "mode", r.result.Mode, "pages", r.result.Pages, "records", r.result.Records)
	return r.result, nil
}

func (u Updater) checkFreshness(ctx context.Context, r *run) (State, error) {
	md, err := u.store.Metadata(ctx)
	if err != nil {
		return StateFailed, xerrors.Errorf("unable to read metadata: %w", err)
	}
	r.md = md
	r.result.LastModified = md.LastModified

	saved, err := u.store.Property(ctx, propSyncCursor, "")
	if err != nil {
		return StateFailed, err
	}
	if saved != "" {
		if err = json.Unmarshal([]byte(saved), &r.cursor); err != nil {
			u.logger.Warnw("discarding unreadable sync cursor", "err", err)
			r.cursor = cursor{}
		} else {
			r.result.Mode = r.cursor.Mode
			r.cursor.extend(u.clock().UTC())
			u.logger.Infow("resuming synchronization", "mode", r.cursor.Mode, "interval", r.cursor.Interval, "startIndex", r.cursor.StartIndex)
			return StateFetching, nil
		}
	}

	count, err := u.store.Count(ctx)
	if err != nil {
		return StateFailed, err
	}
	now := u.clock().UTC()
	switch {
	case count == 0 || md.LastModified.IsZero() || md.SchemaVersion != types.SchemaVersion:
		r.result.Mode = ModeFull
		r.cursor = cursor{Mode: ModeFull, Intervals: []interval{{}}}
	case now.Sub(md.LastModified) < u.validFor:
		r.result.Mode = ModeSkip
		if u.index != nil && !u.index.Ready() {
			return StateReindexing, nil
		}
		return StateDone, nil
	default:
		r.result.Mode = ModeIncremental
		r.cursor = cursor{Mode: ModeIncremental, Intervals: timeIntervals(md.LastModified, now), StoredBefore: count}
	}
	u.logger.Infow("starting synchronization", "mode", r.result.Mode, "lastModified", md.LastModified, "records", count)
	return StateFetching, nil
}

// timeIntervals splits [start, end] into windows the API accepts.
func timeIntervals(start, end time.Time) []interval {
	var intervals []interval
	window := maxWindowDays * 24 * time.Hour
	for end.Sub(start) > window {
		next := start.Add(window)
		intervals = append(intervals, interval{
			Start: start.Format(nvdTimeFormat),
			End:   next.Format(nvdTimeFormat),
		})
		start = next
	}

	// fill latest interval
	return append(intervals, interval{
		Start: start.Format(nvdTimeFormat),
		End:   end.Format(nvdTimeFormat),
	})
}

func (u Updater) fetchAll(ctx context.Context, r *run) (State, error) {
	var bar *pb.ProgressBar
	defer func() {
		if bar != nil {
			bar.Finish()
		}
	}()

	for !r.cursor.done() {
		if err := ctx.Err(); err != nil {
			return StateFailed, xerrors.Errorf("synchronization cancelled: %w", err)
		}
		if r.result.Pages > 0 && u.delay > 0 {
			t := time.NewTimer(u.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return StateFailed, xerrors.Errorf("synchronization cancelled: %w", ctx.Err())
			case <-t.C:
			}
		}

		iv := r.cursor.Intervals[r.cursor.Interval]
		entry, err := u.client.FetchPage(ctx, Query{
			StartIndex:       r.cursor.StartIndex,
			ResultsPerPage:   u.resultsPerPage,
			LastModStartDate: iv.Start,
			LastModEndDate:   iv.End,
		})
		if err != nil {
			return StateFailed, err
		}
		u.metrics.PageFetched()

		ts, err := parseTimestamp(entry.Timestamp)
		if err != nil {
			return StateFailed, xerrors.Errorf("%v: %w", err, ErrFatalResponse)
		}
		if ts.Before(r.md.LastModified) {
			return StateFailed, xerrors.Errorf("page timestamp %s before %s: %w", ts, r.md.LastModified, ErrCorruptData)
		}

		records := make([]types.VulnerabilityRecord, 0, len(entry.Vulnerabilities))
		for _, v := range entry.Vulnerabilities {
			rec, err := convert(v.Cve, u.logger)
			if err != nil {
				return StateFailed, xerrors.Errorf("%v: %w", err, ErrFatalResponse)
			}
			records = append(records, rec)
		}

		next := r.cursor
		if ts.After(next.MaxTimestamp) {
			next.MaxTimestamp = ts
		}
		if next.Started.IsZero() {
			next.Started = ts
		}
		if next.Mode == ModeFull && iv.Start == "" {
			next.RemoteTotal = entry.TotalResults
		}
		next.StartIndex += len(entry.Vulnerabilities)
		if len(entry.Vulnerabilities) == 0 || next.StartIndex >= entry.TotalResults {
			next.Interval++
			next.StartIndex = 0
		}
		saved, err := json.Marshal(next)
		if err != nil {
			return StateFailed, xerrors.Errorf("unable to encode sync cursor: %w", err)
		}

		n, err := u.store.MergePage(ctx, records, map[string]string{propSyncCursor: string(saved)})
		if err != nil {
			return StateFailed, xerrors.Errorf("unable to merge page %d: %w", r.cursor.StartIndex, err)
		}
		u.metrics.RecordsMerged(n)
		u.logger.Debugw("page merged", "startIndex", r.cursor.StartIndex, "total", entry.TotalResults, "stored", n)

		if u.progress {
			if bar == nil {
				bar = pb.StartNew(entry.TotalResults)
			}
			bar.SetTotal(int64(entry.TotalResults))
			bar.SetCurrent(int64(r.cursor.StartIndex + len(entry.Vulnerabilities)))
		}

		r.cursor = next
		r.result.Pages++
		r.result.Records += n

		if err = r.lock.Refresh(ctx); err != nil {
			return StateFailed, xerrors.Errorf("%v: %w", err, ErrLeaseLost)
		}
	}
	return StateMerging, nil
}

func (u Updater) finalize(ctx context.Context, r *run) (State, error) {
	count, err := u.store.Count(ctx)
	if err != nil {
		return StateFailed, err
	}
	md := r.md
	if r.cursor.MaxTimestamp.After(md.LastModified) {
		md.LastModified = r.cursor.MaxTimestamp
	}
	md.SchemaVersion = types.SchemaVersion
	if r.cursor.Mode == ModeFull {
		md.TotalRecordCount = r.cursor.RemoteTotal
		md.LastFullSyncAt = u.clock().UTC()
	} else {
		// incremental windows only report what changed in them
		md.TotalRecordCount = max(md.TotalRecordCount+count-r.cursor.StoredBefore, count)
	}
	md.StoredRecordCount = count
	if err = u.store.SaveMetadata(ctx, md); err != nil {
		return StateFailed, xerrors.Errorf("unable to save metadata: %w", err)
	}
	if err = u.store.DeleteProperty(ctx, propSyncCursor); err != nil {
		return StateFailed, err
	}
	r.md = md
	r.result.LastModified = md.LastModified
	return StateReindexing, nil
}

// keepAlive refreshes the lease while the run is in progress, so a slow page
// does not let it expire. Losing the lease cancels the returned context with
// ErrLeaseLost.
func (u Updater) keepAlive(ctx context.Context, lock *store.Lock) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(u.lockTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx); err != nil {
					if ctx.Err() == nil {
						u.logger.Warnw("lost the sync lease", "err", err)
						cancel(xerrors.Errorf("%v: %w", err, ErrLeaseLost))
					}
					return
				}
			}
		}
	}()
	return ctx, func() {
		cancel(nil)
		<-done
	}
}

func (u Updater) reindex(ctx context.Context, r *run) (State, error) {
	if u.index == nil {
		return StateDone, nil
	}
	if err := u.index.Rebuild(ctx, u.store); err != nil {
		return StateFailed, xerrors.Errorf("unable to rebuild index: %w", err)
	}
	return StateDone, nil
}

// Purge deletes every record and the corpus metadata so that the next
// Update runs FULL.
func (u Updater) Purge(ctx context.Context) error {
	lock, err := u.store.TryLock(ctx, lockName, u.lockTTL)
	if err != nil {
		return xerrors.Errorf("unable to purge: %w", err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	if err = u.store.Purge(ctx); err != nil {
		return xerrors.Errorf("unable to purge: %w", err)
	}
	u.logger.Infow("store purged")
	return nil
}

// Metadata returns the stored corpus metadata along with the resume point
// of an unfinished run, if any.
func (u Updater) Metadata(ctx context.Context) (types.CorpusMetadata, string, error) {
	md, err := u.store.Metadata(ctx)
	if err != nil {
		return md, "", err
	}
	saved, err := u.store.Property(ctx, propSyncCursor, "")
	if err != nil || saved == "" {
		return md, "", err
	}
	var c cursor
	if err = json.Unmarshal([]byte(saved), &c); err != nil {
		return md, "", nil
	}
	return md, string(c.Mode) + " interval " + strconv.Itoa(c.Interval) + " startIndex " + strconv.Itoa(c.StartIndex), nil
}
