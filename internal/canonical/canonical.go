package canonical

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/misty-step/gitpulse-sub000/internal/models"
)

// MaxTextLength is the hard cap on synthesized canonical text.
const MaxTextLength = 512

const ellipsis = "…"

// InputKind discriminates the supported source payload shapes.
type InputKind int

const (
	KindPullRequest InputKind = iota
	KindReview
	KindIssue
	KindIssueComment
	KindCommit
	KindTimeline
)

// CommitInput pairs one commit-listing entry with its owning repository.
type CommitInput struct {
	Item models.CommitListItem
	Repo *models.SourceRepo
}

// TimelineInput pairs one timeline node with its owning repository.
type TimelineInput struct {
	Node models.TimelineNode
	Repo *models.SourceRepo
}

// Input is the closed union of payload shapes the canonicalizer accepts.
// Exactly the field matching Kind is set.
type Input struct {
	Kind         InputKind
	PullRequest  *models.PullRequestPayload
	Review       *models.ReviewPayload
	Issue        *models.IssuePayload
	IssueComment *models.IssueCommentPayload
	Commit       *CommitInput
	Timeline     *TimelineInput
}

// Canonicalize maps any supported source payload to a canonical event.
// A nil result means the input is not actionable (unsupported action verb,
// missing actor, unparsable timestamp) and should be skipped, not failed.
func Canonicalize(in Input) (*models.CanonicalEvent, error) {
	switch in.Kind {
	case KindPullRequest:
		return canonicalizePullRequest(in.PullRequest)
	case KindReview:
		return canonicalizeReview(in.Review)
	case KindIssue:
		return canonicalizeIssue(in.Issue)
	case KindIssueComment:
		return canonicalizeIssueComment(in.IssueComment)
	case KindCommit:
		return canonicalizeCommit(in.Commit)
	case KindTimeline:
		return canonicalizeTimeline(in.Timeline)
	default:
		return nil, fmt.Errorf("unknown input kind %d", in.Kind)
	}
}

// ExpandPush converts a push delivery into one canonical event per bundled
// commit. When source timestamps are identical the per-commit timestamps are
// offset by index so intra-push ordering survives canonicalization.
func ExpandPush(p *models.PushPayload) ([]*models.CanonicalEvent, error) {
	if p == nil || p.Repository == nil {
		return nil, nil
	}

	events := make([]*models.CanonicalEvent, 0, len(p.Commits))
	for i, c := range p.Commits {
		actor := resolvePushAuthor(c, p.Sender)
		if actor == "" {
			continue
		}
		ts, ok := parseTime(c.Timestamp)
		if !ok {
			continue
		}
		ts = ts.Add(time.Duration(i) * time.Millisecond)

		files := len(c.Added) + len(c.Removed) + len(c.Modified)
		var metrics *models.EventMetrics
		if files > 0 {
			metrics = &models.EventMetrics{FilesChanged: files}
		}

		text := synthesize(
			"Commit "+shortSHA(c.ID),
			dashPart(firstLine(c.Message)),
			"pushed by "+actor,
			metricsPart(metrics),
		)

		ev := &models.CanonicalEvent{
			Type:          models.EventCommit,
			RepoFullName:  p.Repository.FullName,
			RepoSourceID:  p.Repository.ID,
			ActorLogin:    actor,
			ActorSourceID: userID(p.Sender),
			Timestamp:     ts,
			CanonicalText: text,
			SourceURL:     c.URL,
			Metrics:       metrics,
			Metadata:      map[string]string{"sha": c.ID, "ref": p.Ref},
		}
		if err := finalize(ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func canonicalizePullRequest(p *models.PullRequestPayload) (*models.CanonicalEvent, error) {
	if p == nil || p.Repository == nil {
		return nil, nil
	}

	var eventType models.EventType
	var verb string
	switch p.Action {
	case "opened", "reopened", "ready_for_review":
		eventType, verb = models.EventPROpened, "opened"
	case "closed":
		if p.PullRequest.Merged {
			eventType, verb = models.EventPRMerged, "merged"
		} else {
			eventType, verb = models.EventPRClosed, "closed"
		}
	default:
		return nil, nil
	}

	actor := resolveActor(p.PullRequest.User)
	if actor == "" {
		return nil, nil
	}

	var ts time.Time
	var ok bool
	switch eventType {
	case models.EventPRMerged:
		ts, ok = parseFirst(p.PullRequest.MergedAt, p.PullRequest.ClosedAt, p.PullRequest.UpdatedAt)
	case models.EventPRClosed:
		ts, ok = parseFirst(p.PullRequest.ClosedAt, p.PullRequest.UpdatedAt)
	default:
		ts, ok = parseFirst(p.PullRequest.CreatedAt, p.PullRequest.UpdatedAt)
	}
	if !ok {
		return nil, nil
	}

	var metrics *models.EventMetrics
	if p.PullRequest.Additions > 0 || p.PullRequest.Deletions > 0 || p.PullRequest.ChangedFiles > 0 {
		metrics = &models.EventMetrics{
			Additions:    p.PullRequest.Additions,
			Deletions:    p.PullRequest.Deletions,
			FilesChanged: p.PullRequest.ChangedFiles,
		}
	}

	text := synthesize(
		"PR #"+strconv.Itoa(p.Number),
		dashPart(p.PullRequest.Title),
		verb+" by "+actor,
		metricsPart(metrics),
	)

	ev := &models.CanonicalEvent{
		Type:          eventType,
		RepoFullName:  p.Repository.FullName,
		RepoSourceID:  p.Repository.ID,
		ActorLogin:    actor,
		ActorSourceID: userID(p.PullRequest.User),
		Timestamp:     ts,
		CanonicalText: text,
		SourceURL:     p.PullRequest.HTMLURL,
		Metrics:       metrics,
		Metadata:      map[string]string{"action": p.Action, "number": strconv.Itoa(p.Number)},
	}
	return ev, finalize(ev)
}

func canonicalizeReview(p *models.ReviewPayload) (*models.CanonicalEvent, error) {
	if p == nil || p.Repository == nil {
		return nil, nil
	}
	// Reviews are only actionable when submitted.
	if p.Action != "submitted" {
		return nil, nil
	}

	actor := resolveActor(p.Review.User)
	if actor == "" {
		return nil, nil
	}

	ts, ok := parseTime(p.Review.SubmittedAt)
	if !ok {
		return nil, nil
	}

	text := synthesize(
		"Review on PR #"+strconv.Itoa(p.PullRequest.Number),
		dashPart(p.PullRequest.Title),
		"submitted by "+actor,
	)

	ev := &models.CanonicalEvent{
		Type:          models.EventReviewSubmitted,
		RepoFullName:  p.Repository.FullName,
		RepoSourceID:  p.Repository.ID,
		ActorLogin:    actor,
		ActorSourceID: userID(p.Review.User),
		Timestamp:     ts,
		CanonicalText: text,
		SourceURL:     p.Review.HTMLURL,
		Metadata:      map[string]string{"state": p.Review.State, "number": strconv.Itoa(p.PullRequest.Number)},
	}
	return ev, finalize(ev)
}

func canonicalizeIssue(p *models.IssuePayload) (*models.CanonicalEvent, error) {
	if p == nil || p.Repository == nil {
		return nil, nil
	}

	var eventType models.EventType
	var verb string
	switch p.Action {
	case "opened", "reopened":
		eventType, verb = models.EventIssueOpened, "opened"
	case "closed":
		eventType, verb = models.EventIssueClosed, "closed"
	default:
		return nil, nil
	}

	actor := resolveActor(p.Issue.User)
	if actor == "" {
		return nil, nil
	}

	var ts time.Time
	var ok bool
	if eventType == models.EventIssueClosed {
		ts, ok = parseFirst(p.Issue.ClosedAt, p.Issue.UpdatedAt)
	} else {
		ts, ok = parseFirst(p.Issue.CreatedAt, p.Issue.UpdatedAt)
	}
	if !ok {
		return nil, nil
	}

	text := synthesize(
		"Issue #"+strconv.Itoa(p.Issue.Number),
		dashPart(p.Issue.Title),
		verb+" by "+actor,
	)

	ev := &models.CanonicalEvent{
		Type:          eventType,
		RepoFullName:  p.Repository.FullName,
		RepoSourceID:  p.Repository.ID,
		ActorLogin:    actor,
		ActorSourceID: userID(p.Issue.User),
		Timestamp:     ts,
		CanonicalText: text,
		SourceURL:     p.Issue.HTMLURL,
		Metadata:      map[string]string{"action": p.Action, "number": strconv.Itoa(p.Issue.Number)},
	}
	return ev, finalize(ev)
}

func canonicalizeIssueComment(p *models.IssueCommentPayload) (*models.CanonicalEvent, error) {
	if p == nil || p.Repository == nil {
		return nil, nil
	}
	if p.Action != "created" && p.Action != "edited" {
		return nil, nil
	}

	actor := resolveActor(p.Comment.User)
	if actor == "" {
		return nil, nil
	}

	ts, ok := parseFirst(p.Comment.CreatedAt, p.Comment.UpdatedAt)
	if !ok {
		return nil, nil
	}

	text := synthesize(
		"Comment on issue #"+strconv.Itoa(p.Issue.Number),
		dashPart(p.Issue.Title),
		"commented by "+actor,
	)

	ev := &models.CanonicalEvent{
		Type:          models.EventIssueComment,
		RepoFullName:  p.Repository.FullName,
		RepoSourceID:  p.Repository.ID,
		ActorLogin:    actor,
		ActorSourceID: userID(p.Comment.User),
		Timestamp:     ts,
		CanonicalText: text,
		SourceURL:     p.Comment.HTMLURL,
		Metadata:      map[string]string{"action": p.Action, "number": strconv.Itoa(p.Issue.Number)},
	}
	return ev, finalize(ev)
}

func canonicalizeCommit(in *CommitInput) (*models.CanonicalEvent, error) {
	if in == nil || in.Repo == nil {
		return nil, nil
	}
	c := in.Item

	actor := resolveActor(c.Author)
	if actor == "" {
		// Fall through the commit author identity fields.
		actor = resolveActor(&models.SourceUser{
			Name:  c.Commit.Author.Name,
			Email: c.Commit.Author.Email,
		})
	}
	if actor == "" {
		return nil, nil
	}

	ts, ok := parseTime(c.Commit.Author.Date)
	if !ok {
		return nil, nil
	}

	var metrics *models.EventMetrics
	if c.Stats != nil {
		metrics = &models.EventMetrics{
			Additions: c.Stats.Additions,
			Deletions: c.Stats.Deletions,
		}
	}

	text := synthesize(
		"Commit "+shortSHA(c.SHA),
		dashPart(firstLine(c.Commit.Message)),
		"authored by "+actor,
		metricsPart(metrics),
	)

	ev := &models.CanonicalEvent{
		Type:          models.EventCommit,
		RepoFullName:  in.Repo.FullName,
		RepoSourceID:  in.Repo.ID,
		ActorLogin:    actor,
		ActorSourceID: userID(c.Author),
		Timestamp:     ts,
		CanonicalText: text,
		SourceURL:     c.HTMLURL,
		Metrics:       metrics,
		Metadata:      map[string]string{"sha": c.SHA},
	}
	return ev, finalize(ev)
}

func canonicalizeTimeline(in *TimelineInput) (*models.CanonicalEvent, error) {
	if in == nil || in.Repo == nil {
		return nil, nil
	}
	n := in.Node

	actor := resolveActor(n.Actor)
	if actor == "" {
		return nil, nil
	}

	var eventType models.EventType
	var verb, noun string
	closed := n.State == "closed"
	if n.IsPullRequest {
		noun = "PR"
		switch {
		case closed && n.Merged:
			eventType, verb = models.EventPRMerged, "merged"
		case closed:
			eventType, verb = models.EventPRClosed, "closed"
		default:
			eventType, verb = models.EventPROpened, "opened"
		}
	} else {
		noun = "Issue"
		if closed {
			eventType, verb = models.EventIssueClosed, "closed"
		} else {
			eventType, verb = models.EventIssueOpened, "opened"
		}
	}

	ts := n.UpdatedAt
	if closed && n.ClosedAt != nil {
		ts = *n.ClosedAt
	}
	if ts.IsZero() {
		return nil, nil
	}

	text := synthesize(
		noun+" #"+strconv.Itoa(n.Number),
		dashPart(n.Title),
		verb+" by "+actor,
	)

	ev := &models.CanonicalEvent{
		Type:          eventType,
		RepoFullName:  in.Repo.FullName,
		RepoSourceID:  in.Repo.ID,
		ActorLogin:    actor,
		ActorSourceID: userID(n.Actor),
		Timestamp:     ts,
		CanonicalText: text,
		SourceURL:     n.URL,
		Metadata:      map[string]string{"state": n.State, "number": strconv.Itoa(n.Number)},
	}
	return ev, finalize(ev)
}

// finalize stamps the content hash onto a fully-synthesized event.
func finalize(ev *models.CanonicalEvent) error {
	hash, err := HashEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to hash event: %w", err)
	}
	ev.ContentHash = hash
	return nil
}

// resolveActor walks the fallback chain for an attributable identity:
// login, then username, then trimmed display name, then the local part of
// the email address. Empty means the event cannot be attributed.
func resolveActor(u *models.SourceUser) string {
	if u == nil {
		return ""
	}
	if u.Login != "" {
		return u.Login
	}
	if u.Username != "" {
		return u.Username
	}
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	if u.Email != "" {
		if at := strings.Index(u.Email, "@"); at > 0 {
			return u.Email[:at]
		}
	}
	return ""
}

func resolvePushAuthor(c models.PushCommit, sender *models.SourceUser) string {
	actor := resolveActor(&models.SourceUser{
		Username: c.Author.Username,
		Name:     c.Author.Name,
		Email:    c.Author.Email,
	})
	if actor != "" {
		return actor
	}
	return resolveActor(sender)
}

func userID(u *models.SourceUser) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

// synthesize joins non-empty parts with single spaces, collapses internal
// whitespace, and hard-truncates to MaxTextLength with a trailing ellipsis.
func synthesize(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	text := strings.Join(strings.Fields(strings.Join(kept, " ")), " ")
	if runes := []rune(text); len(runes) > MaxTextLength {
		text = string(runes[:MaxTextLength-1]) + ellipsis
	}
	return text
}

func dashPart(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}
	return "– " + title
}

func metricsPart(m *models.EventMetrics) string {
	if m == nil {
		return ""
	}
	return fmt.Sprintf("(+%d, -%d, %d files)", m.Additions, m.Deletions, m.FilesChanged)
}

func firstLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseFirst(candidates ...string) (time.Time, bool) {
	for _, c := range candidates {
		if t, ok := parseTime(c); ok {
			return t, true
		}
	}
	return time.Time{}, false
}
