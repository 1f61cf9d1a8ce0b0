package nvd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/parnurzeal/gorequest"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/vuln-identify/metrics"
)

// ErrFatalResponse marks a response that retrying cannot fix.
var ErrFatalResponse = xerrors.New("non-retryable response")

// Auth selects how requests authenticate. Leave both unset for no authentication.
type Auth struct {
	BearerToken string
	User        string
	Password    string
}

// Query addresses one page. Empty dates request the whole corpus.
type Query struct {
	StartIndex       int
	ResultsPerPage   int
	LastModStartDate string
	LastModEndDate   string
}

type Client struct {
	baseURL         string
	apiKey          string
	auth            Auth
	tokens          oauth2.TokenSource
	timeout         time.Duration
	retry           int
	initialInterval time.Duration
	maxInterval     time.Duration
	metrics         *metrics.Metrics
	logger          *zap.SugaredLogger
}

func newClient(o *options) *Client {
	c := &Client{
		baseURL:         o.baseURL,
		apiKey:          o.apiKey,
		auth:            o.auth,
		timeout:         o.pageTimeout,
		retry:           o.retry,
		initialInterval: o.initialInterval,
		maxInterval:     o.maxInterval,
		metrics:         o.metrics,
		logger:          o.logger,
	}
	if o.auth.BearerToken != "" {
		c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.auth.BearerToken, TokenType: "Bearer"})
	}
	return c
}

// FetchPage retrieves one page in at most retry attempts, backing off
// exponentially after transport errors, 5xx, 429 and undecodable bodies. Other 4xx responses and
// pages violating the schema fail with ErrFatalResponse.
func (c *Client) FetchPage(ctx context.Context, q Query) (Entry, error) {
	pageURL, err := urlWithParams(c.baseURL, q)
	if err != nil {
		return Entry{}, xerrors.Errorf("invalid base url: %v: %w", err, ErrFatalResponse)
	}

	var entry Entry
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		e, err := c.fetch(pageURL)
		if err != nil {
			if xerrors.Is(err, ErrFatalResponse) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err = validate(e, q); err != nil {
			return backoff.Permanent(err)
		}
		entry = e
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval
	b.MaxElapsedTime = 0
	// retry counts attempts, the first one included
	retries := 0
	if c.retry > 1 {
		retries = c.retry - 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	notify := func(err error, wait time.Duration) {
		c.metrics.FetchRetried()
		c.logger.Infow("retrying page", "startIndex", q.StartIndex, "after", wait, "err", err)
	}
	if err = backoff.RetryNotify(op, bo, notify); err != nil {
		return Entry{}, xerrors.Errorf("unable to fetch %s: %w", pageURL, err)
	}
	return entry, nil
}

func (c *Client) fetch(pageURL string) (Entry, error) {
	req := gorequest.New().Get(pageURL).Timeout(c.timeout)
	if c.apiKey != "" {
		req.Set("apiKey", c.apiKey)
	}
	switch {
	case c.tokens != nil:
		tok, err := c.tokens.Token()
		if err != nil {
			return Entry{}, xerrors.Errorf("unable to get token: %v: %w", err, ErrFatalResponse)
		}
		req.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	case c.auth.User != "":
		req.SetBasicAuth(c.auth.User, c.auth.Password)
	}

	resp, body, errs := req.EndBytes()
	if len(errs) > 0 {
		return Entry{}, xerrors.Errorf("HTTP error: %w", errs[0])
	}

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return Entry{}, xerrors.Errorf("HTTP error. status code: %d", code)
	default:
		return Entry{}, xerrors.Errorf("HTTP error. status code: %d: %w", code, ErrFatalResponse)
	}

	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, xerrors.Errorf("unable to decode response: %w", err)
	}
	return e, nil
}

// validate rejects decodable pages that do not describe the requested slice.
func validate(e Entry, q Query) error {
	switch {
	case e.Format != "" && e.Format != "NVD_CVE":
		return xerrors.Errorf("unexpected format %q: %w", e.Format, ErrFatalResponse)
	case e.TotalResults < 0 || e.ResultsPerPage < 0:
		return xerrors.Errorf("negative page counters: %w", ErrFatalResponse)
	case e.StartIndex != q.StartIndex:
		return xerrors.Errorf("got startIndex %d, want %d: %w", e.StartIndex, q.StartIndex, ErrFatalResponse)
	case e.Timestamp == "":
		return xerrors.Errorf("page without timestamp: %w", ErrFatalResponse)
	}
	if _, err := parseTimestamp(e.Timestamp); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrFatalResponse)
	}
	for _, v := range e.Vulnerabilities {
		if v.Cve.ID == "" {
			return xerrors.Errorf("entry without id: %w", ErrFatalResponse)
		}
	}
	return nil
}

func urlWithParams(baseURL string, q Query) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", xerrors.Errorf("unable to parse %q base url: %w", baseURL, err)
	}
	params := u.Query()
	if q.LastModStartDate != "" {
		params.Set("lastModStartDate", q.LastModStartDate)
		params.Set("lastModEndDate", q.LastModEndDate)
	}
	params.Set("startIndex", strconv.Itoa(q.StartIndex))
	params.Set("resultsPerPage", strconv.Itoa(q.ResultsPerPage))
	// NVD rejects percent-encoded colons in the date filters
	decoded, err := url.QueryUnescape(params.Encode())
	if err != nil {
		return "", xerrors.Errorf("unable to build query: %w", err)
	}
	u.RawQuery = decoded
	return u.String(), nil
}
