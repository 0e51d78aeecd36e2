package models

import "time"

// RateLimitInfo is the budget reported by the source API on a response.
type RateLimitInfo struct {
	Remaining int        `json:"remaining"`
	Reset     *time.Time `json:"reset,omitempty"`
}

// TimelineNode is one normalized entry from the source's paginated listing
// endpoint. A node is either a pull request or an issue, distinguished by
// IsPullRequest.
type TimelineNode struct {
	SourceID      int64       `json:"source_id"`
	IsPullRequest bool        `json:"is_pull_request"`
	Number        int         `json:"number"`
	Title         string      `json:"title"`
	State         string      `json:"state"`
	Merged        bool        `json:"merged"`
	URL           string      `json:"url"`
	UpdatedAt     time.Time   `json:"updated_at"`
	ClosedAt      *time.Time  `json:"closed_at,omitempty"`
	Actor         *SourceUser `json:"actor,omitempty"`
}

// PageResult is the outcome of a single timeline page fetch. A rate-limit
// rejection is not an error: the fetcher returns a synthetic result with
// HasNextPage true and Remaining zero so the caller's pause logic triggers
// the same way it does for header-level exhaustion.
type PageResult struct {
	Nodes       []TimelineNode `json:"nodes"`
	HasNextPage bool           `json:"has_next_page"`
	NotModified bool           `json:"not_modified"`
	Cursor      string         `json:"cursor,omitempty"`
	ETag        string         `json:"etag,omitempty"`
	RateLimit   RateLimitInfo  `json:"rate_limit"`
}
