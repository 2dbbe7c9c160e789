package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"geobatch/src/core/fault"
	"geobatch/src/core/run"
	"geobatch/src/log"
	"geobatch/src/storage/postgres/jobctrl"
	"geobatch/src/storage/postgres/runctrl"
)

// GithubClient is the slice of the GitHub API the bridge drives.
type GithubClient interface {
	CreateCheck(ctx context.Context, sha string) (int64, error)
	CloseCheck(ctx context.Context, id int64, success bool) error
	PostComment(ctx context.Context, issue int64, body string) error
	PullFiles(ctx context.Context, number int64) ([]string, error)
	RawURL(sha, path string) string
}

type RunStore interface {
	Generate(ctx context.Context, live bool, github *runctrl.GithubRef) (*runctrl.Run, error)
	Commit(ctx context.Context, r *runctrl.Run) error
}

type Populator interface {
	Populate(ctx context.Context, runID int64, raw []json.RawMessage) (*run.PopulateResult, error)
	Rerun(ctx context.Context, jobID int64) (*run.PopulateResult, error)
}

// Bridge turns repository events into CI runs and reports their
// conclusions back as check runs and comments.
type Bridge struct {
	github GithubClient
	runs   RunStore
	core   Populator
	owner  string
	repo   string
}

func NewBridge(github GithubClient, runs RunStore, core Populator, owner, repo string) *Bridge {
	return &Bridge{
		github: github,
		runs:   runs,
		core:   core,
		owner:  owner,
		repo:   repo,
	}
}

// PushEvent is the subset of the push webhook payload the bridge reads.
type PushEvent struct {
	After   string `json:"after"`
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
	} `json:"commits"`
}

// PullEvent is the subset of the pull_request webhook payload.
type PullEvent struct {
	Action      string `json:"action"`
	Number      int64  `json:"number"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

// IssueEvent is the subset of the issue_comment webhook payload.
type IssueEvent struct {
	Action  string `json:"action"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

// Push schedules a CI run over the source definitions a push touched.
// Pushes that change nothing under sources/ are ignored.
func (b *Bridge) Push(ctx context.Context, event PushEvent) (*run.PopulateResult, error) {
	seen := map[string]bool{}
	var paths []string
	for _, commit := range event.Commits {
		for _, path := range append(commit.Added, commit.Modified...) {
			if !sourcePath(path) || seen[path] {
				continue
			}
			seen[path] = true
			paths = append(paths, path)
		}
	}

	if len(paths) == 0 {
		return nil, nil
	}

	return b.schedule(ctx, event.After, 0, paths)
}

// Pull schedules a CI run when a pull request opens or gains commits.
// The run remembers the PR number so the conclusion can be commented.
func (b *Bridge) Pull(ctx context.Context, event PullEvent) (*run.PopulateResult, error) {
	if event.Action != "opened" && event.Action != "synchronize" {
		return nil, nil
	}

	files, err := b.github.PullFiles(ctx, event.Number)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, path := range files {
		if sourcePath(path) {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}

	return b.schedule(ctx, event.PullRequest.Head.SHA, event.Number, paths)
}

// Issue handles comment directives. The only directive is
// "/rerun <job id>", which schedules the job's source again.
func (b *Bridge) Issue(ctx context.Context, event IssueEvent) (*run.PopulateResult, error) {
	if event.Action != "created" {
		return nil, nil
	}

	body := strings.TrimSpace(event.Comment.Body)
	if !strings.HasPrefix(body, "/rerun") {
		return nil, nil
	}

	fields := strings.Fields(body)
	if len(fields) != 2 {
		return nil, fault.Validation("rerun directive needs a job id")
	}
	jobID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fault.Validation("rerun directive has a malformed job id %q", fields[1])
	}

	return b.core.Rerun(ctx, jobID)
}

func (b *Bridge) schedule(ctx context.Context, sha string, issue int64, paths []string) (*run.PopulateResult, error) {
	check, err := b.github.CreateCheck(ctx, sha)
	if err != nil {
		return nil, err
	}

	ref := &runctrl.GithubRef{
		Owner: b.owner,
		Repo:  b.repo,
		SHA:   sha,
		Check: check,
		Issue: int(issue),
	}

	r, err := b.runs.Generate(ctx, false, ref)
	if err != nil {
		return nil, err
	}

	raw := make([]json.RawMessage, 0, len(paths))
	for _, path := range paths {
		url, err := json.Marshal(b.github.RawURL(sha, path))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal source url: %w", err)
		}
		raw = append(raw, url)
	}

	return b.core.Populate(ctx, r.ID, raw)
}

// FinishCheck concludes a run's check exactly once. Re-entrant pings
// after the run is marked closed do nothing.
func (b *Bridge) FinishCheck(ctx context.Context, r *runctrl.Run, agg jobctrl.Status) error {
	if r.Github == nil || r.Github.Closed {
		return nil
	}

	success := agg == jobctrl.StatusSuccess
	if err := b.github.CloseCheck(ctx, r.Github.Check, success); err != nil {
		return err
	}

	if r.Github.Issue != 0 {
		body := fmt.Sprintf("Batch run %d finished: %s", r.ID, agg)
		if err := b.github.PostComment(ctx, int64(r.Github.Issue), body); err != nil {
			log.Error(err, "failed to comment run conclusion", "run", r.ID, "issue", r.Github.Issue)
		}
	}

	r.Github.Closed = true
	return b.runs.Commit(ctx, r)
}

func sourcePath(path string) bool {
	return strings.HasPrefix(path, "sources/") && strings.HasSuffix(path, ".json")
}
