package canonical

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/misty-step/gitpulse-sub000/internal/models"
)

func testUser() *models.SourceUser {
	return &models.SourceUser{ID: 7, Login: "alice"}
}

func testRepo() *models.SourceRepo {
	return &models.SourceRepo{ID: 99, FullName: "acme/api"}
}

func prPayload(action string, merged bool) *models.PullRequestPayload {
	p := &models.PullRequestPayload{Action: action, Number: 123, Repository: testRepo()}
	p.PullRequest.Title = "Add retry logic"
	p.PullRequest.HTMLURL = "https://github.com/acme/api/pull/123"
	p.PullRequest.Merged = merged
	p.PullRequest.CreatedAt = "2025-06-01T10:00:00Z"
	p.PullRequest.UpdatedAt = "2025-06-02T10:00:00Z"
	p.PullRequest.ClosedAt = "2025-06-02T09:00:00Z"
	p.PullRequest.MergedAt = "2025-06-02T08:00:00Z"
	p.PullRequest.Additions = 10
	p.PullRequest.Deletions = 2
	p.PullRequest.ChangedFiles = 3
	p.PullRequest.User = testUser()
	return p
}

func TestCanonicalizePullRequestOpened(t *testing.T) {
	for _, action := range []string{"opened", "reopened", "ready_for_review"} {
		ev, err := Canonicalize(Input{Kind: KindPullRequest, PullRequest: prPayload(action, false)})
		require.NoError(t, err)
		require.NotNil(t, ev, action)
		assert.Equal(t, models.EventPROpened, ev.Type)
		assert.Equal(t, "PR #123 – Add retry logic opened by alice (+10, -2, 3 files)", ev.CanonicalText)
		assert.Equal(t, "alice", ev.ActorLogin)
		assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), ev.Timestamp)
		assert.NotEmpty(t, ev.ContentHash)
	}
}

func TestCanonicalizePullRequestClosedVsMerged(t *testing.T) {
	ev, err := Canonicalize(Input{Kind: KindPullRequest, PullRequest: prPayload("closed", true)})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventPRMerged, ev.Type)
	// Merged events prefer merged_at.
	assert.Equal(t, time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC), ev.Timestamp)

	ev, err = Canonicalize(Input{Kind: KindPullRequest, PullRequest: prPayload("closed", false)})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventPRClosed, ev.Type)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), ev.Timestamp)
}

func TestCanonicalizeUnsupportedActionDropped(t *testing.T) {
	ev, err := Canonicalize(Input{Kind: KindPullRequest, PullRequest: prPayload("labeled", false)})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestCanonicalizeMissingActorDropped(t *testing.T) {
	p := prPayload("opened", false)
	p.PullRequest.User = nil
	ev, err := Canonicalize(Input{Kind: KindPullRequest, PullRequest: p})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestCanonicalizeUnparsableTimestampDropped(t *testing.T) {
	p := prPayload("opened", false)
	p.PullRequest.CreatedAt = "not-a-date"
	p.PullRequest.UpdatedAt = ""
	ev, err := Canonicalize(Input{Kind: KindPullRequest, PullRequest: p})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestCanonicalizeReviewOnlySubmitted(t *testing.T) {
	p := &models.ReviewPayload{Action: "submitted", Repository: testRepo()}
	p.Review.State = "approved"
	p.Review.HTMLURL = "https://github.com/acme/api/pull/123#review-1"
	p.Review.SubmittedAt = "2025-06-03T12:00:00Z"
	p.Review.User = testUser()
	p.PullRequest.Number = 123
	p.PullRequest.Title = "Add retry logic"

	ev, err := Canonicalize(Input{Kind: KindReview, Review: p})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventReviewSubmitted, ev.Type)
	assert.Equal(t, "Review on PR #123 – Add retry logic submitted by alice", ev.CanonicalText)

	p.Action = "dismissed"
	ev, err = Canonicalize(Input{Kind: KindReview, Review: p})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestCanonicalizeIssueLifecycle(t *testing.T) {
	p := &models.IssuePayload{Action: "opened", Repository: testRepo()}
	p.Issue.Number = 9
	p.Issue.Title = "Crash on start"
	p.Issue.HTMLURL = "https://github.com/acme/api/issues/9"
	p.Issue.CreatedAt = "2025-06-04T08:00:00Z"
	p.Issue.UpdatedAt = "2025-06-05T08:00:00Z"
	p.Issue.ClosedAt = "2025-06-05T07:00:00Z"
	p.Issue.User = testUser()

	ev, err := Canonicalize(Input{Kind: KindIssue, Issue: p})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventIssueOpened, ev.Type)

	p.Action = "closed"
	ev, err = Canonicalize(Input{Kind: KindIssue, Issue: p})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventIssueClosed, ev.Type)
	assert.Equal(t, time.Date(2025, 6, 5, 7, 0, 0, 0, time.UTC), ev.Timestamp)

	p.Action = "assigned"
	ev, err = Canonicalize(Input{Kind: KindIssue, Issue: p})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestCanonicalizeIssueCommentActions(t *testing.T) {
	p := &models.IssueCommentPayload{Action: "created", Repository: testRepo()}
	p.Comment.HTMLURL = "https://github.com/acme/api/issues/9#comment-1"
	p.Comment.CreatedAt = "2025-06-06T10:00:00Z"
	p.Comment.User = testUser()
	p.Issue.Number = 9
	p.Issue.Title = "Crash on start"

	for _, action := range []string{"created", "edited"} {
		p.Action = action
		ev, err := Canonicalize(Input{Kind: KindIssueComment, IssueComment: p})
		require.NoError(t, err)
		require.NotNil(t, ev, action)
		assert.Equal(t, models.EventIssueComment, ev.Type)
	}

	p.Action = "deleted"
	ev, err := Canonicalize(Input{Kind: KindIssueComment, IssueComment: p})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestActorFallbackChain(t *testing.T) {
	cases := []struct {
		name string
		user models.SourceUser
		want string
	}{
		{"login wins", models.SourceUser{Login: "alice", Username: "al", Name: "Alice", Email: "a@x.io"}, "alice"},
		{"username next", models.SourceUser{Username: "al", Name: "Alice", Email: "a@x.io"}, "al"},
		{"trimmed name next", models.SourceUser{Name: "  Alice Smith  ", Email: "a@x.io"}, "Alice Smith"},
		{"email local part last", models.SourceUser{Email: "asmith@example.com"}, "asmith"},
		{"nothing resolves", models.SourceUser{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := tc.user
			assert.Equal(t, tc.want, resolveActor(&u))
		})
	}
}

func TestSynthesizeCollapsesAndTruncates(t *testing.T) {
	text := synthesize("PR   #1", "", "opened    by\t alice")
	assert.Equal(t, "PR #1 opened by alice", text)

	long := synthesize("PR #1", "– "+strings.Repeat("x", 600), "opened by alice")
	assert.Equal(t, MaxTextLength, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, ellipsis))
}

func TestExpandPushOnePerCommit(t *testing.T) {
	p := &models.PushPayload{
		Ref:        "refs/heads/main",
		Repository: testRepo(),
		Sender:     testUser(),
	}
	for i := 0; i < 3; i++ {
		c := models.PushCommit{
			ID:        strings.Repeat("a", 39) + string(rune('0'+i)),
			Message:   "fix: tighten validation\n\ndetails",
			Timestamp: "2025-06-07T09:00:00Z",
			URL:       "https://github.com/acme/api/commit/" + string(rune('0'+i)),
			Modified:  []string{"main.go"},
		}
		c.Author.Username = "bob"
		p.Commits = append(p.Commits, c)
	}

	events, err := ExpandPush(p)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Identical source timestamps stay strictly ordered via index offsets.
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].Timestamp.After(events[i-1].Timestamp))
	}
	for _, ev := range events {
		assert.Equal(t, models.EventCommit, ev.Type)
		assert.Equal(t, "bob", ev.ActorLogin)
		assert.Contains(t, ev.CanonicalText, "fix: tighten validation")
		assert.NotContains(t, ev.CanonicalText, "details")
	}
}

func TestExpandPushSkipsUnattributable(t *testing.T) {
	p := &models.PushPayload{Repository: testRepo()}
	c := models.PushCommit{ID: "abc", Timestamp: "2025-06-07T09:00:00Z"}
	p.Commits = append(p.Commits, c)

	events, err := ExpandPush(p)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCanonicalizeTimelineNode(t *testing.T) {
	closedAt := time.Date(2025, 6, 8, 14, 0, 0, 0, time.UTC)
	in := &TimelineInput{
		Repo: testRepo(),
		Node: models.TimelineNode{
			SourceID:      1001,
			IsPullRequest: true,
			Number:        55,
			Title:         "Refactor fetcher",
			State:         "closed",
			Merged:        true,
			URL:           "https://github.com/acme/api/pull/55",
			UpdatedAt:     closedAt.Add(time.Hour),
			ClosedAt:      &closedAt,
			Actor:         testUser(),
		},
	}

	ev, err := Canonicalize(Input{Kind: KindTimeline, Timeline: in})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventPRMerged, ev.Type)
	assert.Equal(t, closedAt, ev.Timestamp)

	in.Node.IsPullRequest = false
	in.Node.Merged = false
	ev, err = Canonicalize(Input{Kind: KindTimeline, Timeline: in})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventIssueClosed, ev.Type)

	in.Node.State = "open"
	ev, err = Canonicalize(Input{Kind: KindTimeline, Timeline: in})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventIssueOpened, ev.Type)
}
