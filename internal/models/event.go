package models

import "time"

// EventType identifies the normalized kind of a canonical event.
type EventType string

const (
	EventPROpened        EventType = "pr_opened"
	EventPRClosed        EventType = "pr_closed"
	EventPRMerged        EventType = "pr_merged"
	EventReviewSubmitted EventType = "review_submitted"
	EventCommit          EventType = "commit"
	EventIssueOpened     EventType = "issue_opened"
	EventIssueClosed     EventType = "issue_closed"
	EventIssueComment    EventType = "issue_comment"
)

// EventMetrics holds optional size metrics attached to an event.
type EventMetrics struct {
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	FilesChanged int `json:"files_changed"`
}

// CanonicalEvent is the single normalized representation every supported
// source payload shape is converted into. ContentHash is the dedup key and
// depends only on CanonicalText, SourceURL and Metrics.
type CanonicalEvent struct {
	ID            int64             `json:"-"`
	Type          EventType         `json:"type"`
	RepoFullName  string            `json:"repo_full_name"`
	RepoSourceID  int64             `json:"repo_source_id"`
	ActorLogin    string            `json:"actor_login"`
	ActorSourceID int64             `json:"actor_source_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	CanonicalText string            `json:"canonical_text"`
	SourceURL     string            `json:"source_url"`
	Metrics       *EventMetrics     `json:"metrics,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ContentHash   string            `json:"content_hash"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Actor is the dimension record for an attributable user, upserted by its
// natural source id.
type Actor struct {
	ID        int64     `json:"-"`
	SourceID  int64     `json:"source_id"`
	Login     string    `json:"login"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Repo is the dimension record for a repository, upserted by its natural
// source id.
type Repo struct {
	ID        int64     `json:"-"`
	SourceID  int64     `json:"source_id"`
	FullName  string    `json:"full_name"`
	Private   bool      `json:"private"`
	CreatedAt time.Time `json:"created_at"`
}
