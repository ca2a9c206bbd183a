package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/causalog/internal/ir"
)

// Client defaults.
const (
	DefaultTimeout = 10 * time.Second
	DefaultRate    = rate.Limit(50)
	DefaultBurst   = 10

	// DefaultBatchSize is how many fact entries one range request asks for.
	DefaultBatchSize = 512

	maxResponseBytes = 32 << 20
)

// Client is a DataProvider backed by a peer's Handler. Requests share a
// token-bucket limiter and each is bounded by the client timeout.
//
// Client does not verify what it receives; Resolver does.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	batch   int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithRateLimit sets requests per second and burst.
func WithRateLimit(r rate.Limit, burst int) ClientOption {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(r, burst) }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) { cl.timeout = d }
}

// WithBatchSize sets how many entries each fact range request returns.
// Larger ranges are fetched in several requests.
func WithBatchSize(n int) ClientOption {
	return func(cl *Client) { cl.batch = n }
}

// NewClient returns a client for the peer at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("peer url %q: want scheme://host", baseURL)
	}
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		limiter: rate.NewLimiter(DefaultRate, DefaultBurst),
		timeout: DefaultTimeout,
		batch:   DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the peer's base URL.
func (c *Client) URL() string { return c.base }

func (c *Client) QueryFact(ctx context.Context, factID string) (*ir.LogEntry, error) {
	return c.getEntry(ctx, "/v1/facts/"+url.PathEscape(factID))
}

func (c *Client) QueryEntry(ctx context.Context, ref ir.EntryRef) (*ir.LogEntry, error) {
	return c.getEntry(ctx, "/v1/entries/"+url.PathEscape(string(ref.Scope))+"/"+url.PathEscape(ref.ID))
}

func (c *Client) QueryFactRange(ctx context.Context, domain string, r TimeRange) ([]ir.LogEntry, error) {
	q := url.Values{}
	q.Set("domain", domain)
	if r.From > 0 {
		q.Set("from", strconv.FormatUint(r.From, 10))
	}
	if r.To > 0 {
		q.Set("to", strconv.FormatUint(r.To, 10))
	}
	if c.batch > 0 {
		q.Set("limit", strconv.Itoa(c.batch))
	}
	var out []ir.LogEntry
	for {
		var resp entriesResponse
		found, err := c.get(ctx, "/v1/facts?"+q.Encode(), &resp)
		if err != nil {
			return nil, err
		}
		if !found {
			return out, nil
		}
		entries, err := decodeEntries(resp.Entries)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
		if resp.Next == "" {
			return out, nil
		}
		q.Set("after", resp.Next)
	}
}

func (c *Client) QueryLogSegment(ctx context.Context, segmentID string) (*SegmentData, error) {
	var resp segmentResponse
	found, err := c.get(ctx, "/v1/segments/"+url.PathEscape(segmentID), &resp)
	if err != nil || !found {
		return nil, err
	}
	entries, err := decodeEntries(resp.Entries)
	if err != nil {
		return nil, err
	}
	return &SegmentData{Segment: resp.Segment, Entries: entries}, nil
}

func (c *Client) getEntry(ctx context.Context, path string) (*ir.LogEntry, error) {
	var resp entryResponse
	found, err := c.get(ctx, path, &resp)
	if err != nil || !found {
		return nil, err
	}
	e, err := ir.UnmarshalEntry(resp.Entry)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// get fetches path into dst. It reports false for 404.
func (c *Client) get(ctx context.Context, path string, dst any) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("peer %s: %w", c.base, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("peer %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	body := io.LimitReader(resp.Body, maxResponseBytes)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		var e errorResponse
		if json.NewDecoder(body).Decode(&e) == nil && e.Error.Code != "" {
			return false, fmt.Errorf("peer %s: %s: %s", c.base, e.Error.Code, e.Error.Message)
		}
		return false, fmt.Errorf("peer %s: unexpected status %s", c.base, resp.Status)
	}
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return false, fmt.Errorf("peer %s: decode response: %w", c.base, err)
	}
	return true, nil
}

func decodeEntries(raw []json.RawMessage) ([]ir.LogEntry, error) {
	out := make([]ir.LogEntry, 0, len(raw))
	for _, r := range raw {
		e, err := ir.UnmarshalEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
