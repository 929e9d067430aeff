// Package remote is the HTTP client for the social-media API. It is
// stateless with respect to credentials: every call carries the credential
// chosen by the invoker.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/clock/system"
	"github.com/JakeFAU/postharvest/internal/harvest"
)

const (
	// DefaultBaseURL is the public API endpoint.
	DefaultBaseURL = "https://api.twitter.com"

	maxBodyBytes = 8 << 20

	headerLimit     = "x-rate-limit-limit"
	headerRemaining = "x-rate-limit-remaining"
	headerReset     = "x-rate-limit-reset"
)

// Config controls the HTTP client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client implements harvest.RemoteClient.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
	clock     harvest.Clock
	logger    *zap.Logger

	mu      sync.RWMutex
	userIDs map[string]string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithClock overrides the clock used to interpret Retry-After.
func WithClock(clock harvest.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid remote base url %q", base)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:   parsed,
		http:      &http.Client{Timeout: timeout},
		userAgent: cfg.UserAgent,
		clock:     system.New(),
		logger:    logger.Named("remote"),
		userIDs:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchUserPosts returns one page of the account's timeline. The handle is
// resolved to a user ID on first use and cached for the process lifetime.
func (c *Client) FetchUserPosts(ctx context.Context, cred harvest.Credential, handle string, req harvest.PageRequest) (harvest.Page, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return harvest.Page{}, fmt.Errorf("account handle is required: %w", harvest.ErrInvalidInput)
	}
	userID, err := c.userID(ctx, cred, handle)
	if err != nil {
		return harvest.Page{}, err
	}
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(clamp(req.MaxResults, 5, 100)))
	q.Set("tweet.fields", tweetFields)
	q.Set("expansions", expansions)
	q.Set("user.fields", userFields)
	if req.NextToken != "" {
		q.Set("pagination_token", req.NextToken)
	}
	return c.tweetList(ctx, cred, "/2/users/"+url.PathEscape(userID)+"/tweets", q)
}

// Search returns one page of recent posts matching query.
func (c *Client) Search(ctx context.Context, cred harvest.Credential, query string, req harvest.PageRequest) (harvest.Page, error) {
	if strings.TrimSpace(query) == "" {
		return harvest.Page{}, fmt.Errorf("search query is required: %w", harvest.ErrInvalidInput)
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", strconv.Itoa(clamp(req.MaxResults, 10, 100)))
	q.Set("tweet.fields", tweetFields)
	q.Set("expansions", expansions)
	q.Set("user.fields", userFields)
	if req.NextToken != "" {
		q.Set("next_token", req.NextToken)
	}
	return c.tweetList(ctx, cred, "/2/tweets/search/recent", q)
}

// FetchTrends returns the trending topics for a region (WOEID).
func (c *Client) FetchTrends(ctx context.Context, cred harvest.Credential, regionID int64) (harvest.TrendList, error) {
	q := url.Values{}
	q.Set("id", strconv.FormatInt(regionID, 10))
	body, quota, err := c.get(ctx, cred, "/1.1/trends/place.json", q)
	if err != nil {
		return harvest.TrendList{}, err
	}
	var places []trendPlace
	if err := json.Unmarshal(body, &places); err != nil {
		return harvest.TrendList{}, harvest.NewPermanent(http.StatusOK, "decode trends: "+err.Error())
	}
	list := harvest.TrendList{RegionID: regionID, Quota: quota}
	for _, place := range places {
		for _, t := range place.Trends {
			topic := harvest.Topic{Name: t.Name, Query: t.Query}
			if t.TweetVolume != nil {
				topic.Volume = *t.TweetVolume
			}
			list.Topics = append(list.Topics, topic)
		}
	}
	return list, nil
}

func (c *Client) tweetList(ctx context.Context, cred harvest.Credential, path string, q url.Values) (harvest.Page, error) {
	body, quota, err := c.get(ctx, cred, path, q)
	if err != nil {
		return harvest.Page{}, err
	}
	var resp tweetListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return harvest.Page{}, harvest.NewPermanent(http.StatusOK, "decode posts: "+err.Error())
	}
	if len(resp.Data) == 0 && len(resp.Errors) > 0 {
		c.logger.Debug("empty page with api errors", zap.String("path", path), zap.String("detail", firstErrorDetail(resp.Errors)))
	}
	return resp.page(body, quota), nil
}

func (c *Client) userID(ctx context.Context, cred harvest.Credential, handle string) (string, error) {
	key := strings.ToLower(handle)
	c.mu.RLock()
	id, ok := c.userIDs[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	body, _, err := c.get(ctx, cred, "/2/users/by/username/"+url.PathEscape(handle), nil)
	if err != nil {
		return "", err
	}
	var resp userLookupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", harvest.NewPermanent(http.StatusOK, "decode user: "+err.Error())
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return "", &harvest.RemoteError{
			Kind:    harvest.KindPermanent,
			Status:  http.StatusOK,
			Message: fmt.Sprintf("user %q: %s", handle, firstErrorDetail(resp.Errors)),
			Err:     harvest.ErrNotFound,
		}
	}

	c.mu.Lock()
	c.userIDs[key] = resp.Data.ID
	c.mu.Unlock()
	return resp.Data.ID, nil
}

// get performs an authenticated GET and maps failures onto the remote error taxonomy.
func (c *Client) get(ctx context.Context, cred harvest.Credential, path string, q url.Values) ([]byte, *harvest.QuotaMeta, error) {
	if cred.BearerToken == "" {
		return nil, nil, harvest.NewPermanent(0, fmt.Sprintf("credential %s has no bearer token", cred.Label()))
	}
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.BearerToken)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("request %s: %w", path, ctxErr)
		}
		return nil, nil, harvest.NewTransient(0, fmt.Errorf("request %s: %w", path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	quota := parseQuota(resp.Header)
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, quota, harvest.NewTransient(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if quota == nil {
			quota = &harvest.QuotaMeta{}
		}
		quota.Remaining = 0
		if quota.ResetAt.IsZero() {
			quota.ResetAt = c.retryAfter(resp.Header)
		}
		return nil, quota, harvest.NewQuotaExceeded(resp.StatusCode, errorMessage(body, resp.Status), quota)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, quota, harvest.NewTransient(resp.StatusCode, errors.New(errorMessage(body, resp.Status)))
	case resp.StatusCode >= http.StatusBadRequest:
		rerr := harvest.NewPermanent(resp.StatusCode, errorMessage(body, resp.Status))
		rerr.Quota = quota
		if resp.StatusCode == http.StatusNotFound {
			rerr.Err = harvest.ErrNotFound
		}
		return nil, quota, rerr
	}
	return body, quota, nil
}

func (c *Client) retryAfter(h http.Header) time.Time {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return time.Time{}
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return c.clock.Now().Add(time.Duration(secs) * time.Second)
	}
	if at, err := http.ParseTime(raw); err == nil {
		return at
	}
	return time.Time{}
}

// parseQuota reads the x-rate-limit headers. It returns nil when the
// response carries none of them.
func parseQuota(h http.Header) *harvest.QuotaMeta {
	limitRaw, remainingRaw, resetRaw := h.Get(headerLimit), h.Get(headerRemaining), h.Get(headerReset)
	if limitRaw == "" && remainingRaw == "" && resetRaw == "" {
		return nil
	}
	meta := &harvest.QuotaMeta{}
	if v, err := strconv.Atoi(limitRaw); err == nil {
		meta.Limit = v
	}
	if v, err := strconv.Atoi(remainingRaw); err == nil {
		meta.Remaining = v
	}
	if v, err := strconv.ParseInt(resetRaw, 10, 64); err == nil && v > 0 {
		meta.ResetAt = time.Unix(v, 0).UTC()
	}
	return meta
}

func errorMessage(body []byte, status string) string {
	var payload struct {
		Title  string     `json:"title"`
		Detail string     `json:"detail"`
		Errors []apiError `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if detail := firstErrorDetail(payload.Errors); detail != "" {
			return detail
		}
		if payload.Title != "" {
			return payload.Title
		}
	}
	return status
}

func clamp(v, lo, hi int) int {
	switch {
	case v <= 0:
		return hi
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
