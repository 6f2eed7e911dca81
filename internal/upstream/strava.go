package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/roach88/stravasync/internal/metrics"
	"github.com/roach88/stravasync/internal/record"
)

// DefaultBaseURL is the Strava v3 API root.
const DefaultBaseURL = "https://www.strava.com/api/v3"

// maxBodySize bounds a single response body.
const maxBodySize = 32 << 20

// Client talks to the Strava v3 API with a bearer token supplied by the
// caller. Token refresh is not handled here.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	budget  *Budget
	logger  *slog.Logger
	maxBody int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API root (used by tests).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithObserver feeds every response's rate-limit headers into b.
func WithObserver(b *Budget) ClientOption {
	return func(c *Client) {
		c.budget = b
	}
}

// WithMaxBodySize caps how many bytes a response body may hold.
func WithMaxBodySize(n int64) ClientOption {
	return func(c *Client) {
		c.maxBody = n
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a Strava client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
		maxBody: maxBodySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListActivities implements ActivityLister.
func (c *Client) ListActivities(ctx context.Context, q ListQuery) ([]record.Row, error) {
	params := url.Values{}
	page := q.Page
	if page < 1 {
		page = 1
	}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(ClampPerPage(q.PerPage)))
	if q.After != nil {
		params.Set("after", strconv.FormatInt(q.After.Unix(), 10))
	}

	body, err := c.get(ctx, "list activities", "/athlete/activities", params)
	if err != nil {
		return nil, err
	}
	rows, err := record.DecodeRows(body)
	if err != nil {
		return nil, &FetchError{Op: "list activities", Err: fmt.Errorf("decode: %w", err)}
	}
	return rows, nil
}

// FetchDetail implements DetailFetcher.
func (c *Client) FetchDetail(ctx context.Context, id int64, includeEfforts bool) (record.Row, error) {
	params := url.Values{}
	params.Set("include_all_efforts", strconv.FormatBool(includeEfforts))

	body, err := c.get(ctx, "fetch detail", fmt.Sprintf("/activities/%d", id), params)
	if err != nil {
		return nil, err
	}
	var r record.Row
	if err := r.UnmarshalJSON(body); err != nil {
		return nil, &FetchError{Op: "fetch detail", Err: fmt.Errorf("decode: %w", err)}
	}
	return r, nil
}

// OwnerID implements OwnerResolver.
func (c *Client) OwnerID(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "get athlete", "/athlete", nil)
	if err != nil {
		return 0, err
	}
	var r record.Row
	if err := r.UnmarshalJSON(body); err != nil {
		return 0, &FetchError{Op: "get athlete", Err: fmt.Errorf("decode: %w", err)}
	}
	id, ok := r.Int("id")
	if !ok {
		return 0, &FetchError{Op: "get athlete", Err: errors.New("response has no id")}
	}
	return id, nil
}

func (c *Client) get(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.RecordUpstreamCall(op, "transport_error")
		return nil, &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if c.budget != nil {
		c.budget.Observe(resp.Header)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, &FetchError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > c.maxBody {
		metrics.RecordUpstreamCall(op, "too_large")
		return nil, &FetchError{Op: op, Status: resp.StatusCode,
			Err: fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, c.maxBody)}
	}

	c.logger.Debug("upstream call", "op", op, "path", path, "status", resp.StatusCode)
	metrics.RecordUpstreamCall(op, strconv.Itoa(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &FetchError{Op: op, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return body, nil
}
