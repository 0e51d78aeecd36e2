package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/misty-step/gitpulse-sub000/internal/config"
	"github.com/misty-step/gitpulse-sub000/internal/models"
	"github.com/misty-step/gitpulse-sub000/internal/utils"
)

// Client performs paginated, conditionally-cached fetches against the
// source API. Rate-limit exhaustion on the timeline endpoint is never an
// error; it comes back as a synthetic PageResult so the caller's pause
// logic fires uniformly.
type Client struct {
	httpClient *http.Client
	baseURL    string
	pageSize   int
	// minBackfillBudget is the floor under which callers should pause.
	minBackfillBudget int
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	limiter           *rate.Limiter
	logger            *logrus.Logger
}

// NewClient creates a source API client.
func NewClient(cfg *config.SourceConfig, syncCfg *config.SyncConfig, logger *logrus.Logger) *Client {
	return &Client{
		httpClient:        &http.Client{Timeout: 120 * time.Second},
		baseURL:           cfg.APIBaseURL,
		pageSize:          syncCfg.PageSize,
		minBackfillBudget: syncCfg.MinBackfillBudget,
		maxRetries:        cfg.RateLimit.MaxRetries,
		initialBackoff:    cfg.RateLimit.InitialBackoff,
		maxBackoff:        cfg.RateLimit.MaxBackoff,
		limiter:           rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:            logger,
	}
}

// ShouldPause reports whether the remaining budget has hit the backfill
// floor. A negative value means the response carried no budget headers and
// is not a pause signal. This is the only coupling between fetch results
// and job control flow.
func (c *Client) ShouldPause(remaining int) bool {
	return remaining >= 0 && remaining <= c.minBackfillBudget
}

// rawTimelineItem is the wire shape of one listing entry. The pull_request
// field is the discriminator: present only for pull requests.
type rawTimelineItem struct {
	ID          int64              `json:"id"`
	Number      int                `json:"number"`
	Title       string             `json:"title"`
	State       string             `json:"state"`
	HTMLURL     string             `json:"html_url"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ClosedAt    *time.Time         `json:"closed_at"`
	User        *models.SourceUser `json:"user"`
	PullRequest *struct {
		MergedAt *time.Time `json:"merged_at"`
	} `json:"pull_request"`
}

// FetchTimelinePage fetches one page of the repository's timeline listing,
// ascending by update time, filtered by since. An empty cursor means the
// first page. The prior etag makes the request conditional.
func (c *Client) FetchTimelinePage(ctx context.Context, token, repoFullName string, since time.Time, cursor, etag string) (*models.PageResult, error) {
	if !utils.IsValidRepoFullName(repoFullName) {
		return nil, NewValidationError("repo", "must be owner/name")
	}

	page := 1
	if cursor != "" {
		p, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, NewValidationError("cursor", "must be a page number")
		}
		page = p
	}

	query := url.Values{}
	query.Set("state", "all")
	query.Set("sort", "updated")
	query.Set("direction", "asc")
	query.Set("since", since.UTC().Format(time.RFC3339))
	query.Set("per_page", strconv.Itoa(c.pageSize))
	query.Set("page", strconv.Itoa(page))

	reqURL := fmt.Sprintf("%s/repos/%s/issues?%s", c.baseURL, repoFullName, query.Encode())
	resp, err := c.do(ctx, token, reqURL, etag)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	rateInfo := parseRateHeaders(resp)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		newETag := resp.Header.Get("ETag")
		if newETag == "" {
			newETag = etag
		}
		return &models.PageResult{
			HasNextPage: false,
			NotModified: true,
			Cursor:      cursor,
			ETag:        newETag,
			RateLimit:   rateInfo,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		// Hard rejection, primary or secondary. Preserve cursor/etag and
		// report zero budget so the caller pauses and retries this page.
		c.logger.WithFields(logrus.Fields{
			"repository": repoFullName,
			"status":     resp.StatusCode,
		}).Warn("Rate limit rejection on timeline fetch")
		rateInfo.Remaining = 0
		if rateInfo.Reset == nil {
			if reset := parseRetryAfter(resp); reset != nil {
				rateInfo.Reset = reset
			}
		}
		return &models.PageResult{
			HasNextPage: true,
			Cursor:      cursor,
			ETag:        etag,
			RateLimit:   rateInfo,
		}, nil

	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, NewAPIError(resp.StatusCode, string(body), nil)
	}

	var items []rawTimelineItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, NewAPIError(resp.StatusCode, "failed to decode timeline page", err)
	}

	nodes := make([]models.TimelineNode, 0, len(items))
	for _, item := range items {
		node := models.TimelineNode{
			SourceID:      item.ID,
			IsPullRequest: item.PullRequest != nil,
			Number:        item.Number,
			Title:         item.Title,
			State:         item.State,
			URL:           item.HTMLURL,
			UpdatedAt:     item.UpdatedAt,
			ClosedAt:      item.ClosedAt,
			Actor:         item.User,
		}
		if item.PullRequest != nil && item.PullRequest.MergedAt != nil {
			node.Merged = true
		}
		nodes = append(nodes, node)
	}

	result := &models.PageResult{
		Nodes:     nodes,
		ETag:      resp.Header.Get("ETag"),
		RateLimit: rateInfo,
	}
	if len(items) == c.pageSize {
		result.HasNextPage = true
		result.Cursor = strconv.Itoa(page + 1)
	}
	return result, nil
}

// GetRepository fetches repository metadata. Rate-limit rejections here are
// returned as a typed error; the caller transitions straight to blocked.
func (c *Client) GetRepository(ctx context.Context, token, repoFullName string) (*models.SourceRepo, error) {
	if !utils.IsValidRepoFullName(repoFullName) {
		return nil, NewValidationError("repo", "must be owner/name")
	}

	reqURL := fmt.Sprintf("%s/repos/%s", c.baseURL, repoFullName)
	resp, err := c.do(ctx, token, reqURL, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	rateInfo := parseRateHeaders(resp)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		reset := time.Now().Add(time.Hour)
		if rateInfo.Reset != nil {
			reset = *rateInfo.Reset
		}
		return nil, &RateLimitError{ResetTime: reset, Remaining: rateInfo.Remaining}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, NewAPIError(resp.StatusCode, string(body), nil)
	}

	var repo models.SourceRepo
	if err := json.NewDecoder(resp.Body).Decode(&repo); err != nil {
		return nil, NewAPIError(resp.StatusCode, "failed to decode repository", err)
	}
	return &repo, nil
}

// ListCommitsSince fetches one page of the repository's commit listing.
func (c *Client) ListCommitsSince(ctx context.Context, token, repoFullName string, since time.Time, page int) ([]models.CommitListItem, models.RateLimitInfo, error) {
	if !utils.IsValidRepoFullName(repoFullName) {
		return nil, models.RateLimitInfo{}, NewValidationError("repo", "must be owner/name")
	}
	if page < 1 {
		page = 1
	}

	query := url.Values{}
	query.Set("since", since.UTC().Format(time.RFC3339))
	query.Set("per_page", strconv.Itoa(c.pageSize))
	query.Set("page", strconv.Itoa(page))

	reqURL := fmt.Sprintf("%s/repos/%s/commits?%s", c.baseURL, repoFullName, query.Encode())
	resp, err := c.do(ctx, token, reqURL, "")
	if err != nil {
		return nil, models.RateLimitInfo{}, err
	}
	defer resp.Body.Close()

	rateInfo := parseRateHeaders(resp)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		reset := time.Now().Add(time.Hour)
		if rateInfo.Reset != nil {
			reset = *rateInfo.Reset
		}
		return nil, rateInfo, &RateLimitError{ResetTime: reset, Remaining: rateInfo.Remaining}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, rateInfo, NewAPIError(resp.StatusCode, string(body), nil)
	}

	var items []models.CommitListItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, rateInfo, NewAPIError(resp.StatusCode, "failed to decode commits", err)
	}
	return items, rateInfo, nil
}

// do performs one paced GET with bounded exponential backoff on transport
// errors and 5xx responses. Rate-limit statuses (403/429) are never retried
// here; their handling belongs to the callers.
func (c *Client) do(ctx context.Context, token, reqURL, etag string) (*http.Response, error) {
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := c.initialBackoff
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("request pacing interrupted: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = NewAPIError(0, "request failed", err)
			c.logger.Warnf("Request attempt %d failed: %v", attempt+1, err)
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = NewAPIError(resp.StatusCode, string(body), nil)
			c.logger.Warnf("Request attempt %d failed with status %d", attempt+1, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// parseRateHeaders reads the standard rate-limit response headers. The reset
// header is epoch seconds.
func parseRateHeaders(resp *http.Response) models.RateLimitInfo {
	info := models.RateLimitInfo{Remaining: -1}
	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.Remaining = n
		}
	}
	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			t := time.Unix(epoch, 0)
			info.Reset = &t
		}
	}
	return info
}

func parseRetryAfter(resp *http.Response) *time.Time {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return nil
	}
	seconds, err := strconv.ParseInt(retryAfter, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Now().Add(time.Duration(seconds) * time.Second)
	return &t
}
