package models

// Source payload shapes as delivered by webhooks and the REST listing
// endpoints. Timestamps stay as RFC3339 strings here; parsing (and the
// drop-on-unparsable rule) belongs to the canonicalizer.

// SourceUser is the user object embedded in source payloads.
type SourceUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Username  string `json:"username,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// SourceRepo is the repository object embedded in source payloads.
type SourceRepo struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// PullRequestPayload is a pull_request webhook delivery.
type PullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title        string      `json:"title"`
		HTMLURL      string      `json:"html_url"`
		State        string      `json:"state"`
		Merged       bool        `json:"merged"`
		CreatedAt    string      `json:"created_at"`
		UpdatedAt    string      `json:"updated_at"`
		ClosedAt     string      `json:"closed_at"`
		MergedAt     string      `json:"merged_at"`
		Additions    int         `json:"additions"`
		Deletions    int         `json:"deletions"`
		ChangedFiles int         `json:"changed_files"`
		User         *SourceUser `json:"user"`
	} `json:"pull_request"`
	Repository *SourceRepo `json:"repository"`
}

// ReviewPayload is a pull_request_review webhook delivery.
type ReviewPayload struct {
	Action string `json:"action"`
	Review struct {
		State       string      `json:"state"`
		HTMLURL     string      `json:"html_url"`
		SubmittedAt string      `json:"submitted_at"`
		User        *SourceUser `json:"user"`
	} `json:"review"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"pull_request"`
	Repository *SourceRepo `json:"repository"`
}

// IssuePayload is an issues webhook delivery.
type IssuePayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number    int         `json:"number"`
		Title     string      `json:"title"`
		HTMLURL   string      `json:"html_url"`
		CreatedAt string      `json:"created_at"`
		UpdatedAt string      `json:"updated_at"`
		ClosedAt  string      `json:"closed_at"`
		User      *SourceUser `json:"user"`
	} `json:"issue"`
	Repository *SourceRepo `json:"repository"`
}

// IssueCommentPayload is an issue_comment webhook delivery.
type IssueCommentPayload struct {
	Action  string `json:"action"`
	Comment struct {
		HTMLURL   string      `json:"html_url"`
		CreatedAt string      `json:"created_at"`
		UpdatedAt string      `json:"updated_at"`
		User      *SourceUser `json:"user"`
	} `json:"comment"`
	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
	Repository *SourceRepo `json:"repository"`
}

// PushCommit is one commit bundled inside a push delivery.
type PushCommit struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	Author    struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Username string `json:"username"`
	} `json:"author"`
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// PushPayload is a push webhook delivery bundling zero or more commits.
type PushPayload struct {
	Ref        string       `json:"ref"`
	Commits    []PushCommit `json:"commits"`
	Repository *SourceRepo  `json:"repository"`
	Sender     *SourceUser  `json:"sender"`
}

// CommitListItem is one entry from the per-repository commit listing
// endpoint.
type CommitListItem struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name  string `json:"name"`
			Email string `json:"email"`
			Date  string `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *SourceUser `json:"author"`
	Stats  *struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
	} `json:"stats,omitempty"`
}
