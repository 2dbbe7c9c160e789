package github

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"geobatch/src/core/fault"
)

const (
	DefaultAPIURL = "https://api.github.com"
	DefaultRawURL = "https://raw.githubusercontent.com"
)

// Client talks to the GitHub REST API for one repository: check runs on
// CI commits, comments on pull requests, and source tree reads.
type Client struct {
	httpClient *http.Client
	apiURL     string
	token      string
	owner      string
	repo       string
}

func NewClient(apiURL, token, owner, repo string, c *http.Client) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if c == nil {
		c = http.DefaultClient
	}

	return &Client{
		httpClient: c,
		apiURL:     apiURL,
		token:      token,
		owner:      owner,
		repo:       repo,
	}
}

// CheckRun is the subset of the check-run resource the orchestrator
// tracks.
type CheckRun struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

type checkRunRequest struct {
	Name       string `json:"name"`
	HeadSHA    string `json:"head_sha,omitempty"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// CreateCheck opens an in-progress check run against the given commit
// and returns its id for later closing.
func (c *Client) CreateCheck(ctx context.Context, sha string) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/check-runs", c.apiURL, c.owner, c.repo)

	var run CheckRun
	err := c.do(ctx, "POST", url, checkRunRequest{
		Name:    "geobatch",
		HeadSHA: sha,
		Status:  "in_progress",
	}, &run)
	if err != nil {
		return 0, fmt.Errorf("error creating check run: %w", err)
	}

	return run.ID, nil
}

// CloseCheck completes a check run with a success or failure
// conclusion.
func (c *Client) CloseCheck(ctx context.Context, id int64, success bool) error {
	url := fmt.Sprintf("%s/repos/%s/%s/check-runs/%d", c.apiURL, c.owner, c.repo, id)

	conclusion := "failure"
	if success {
		conclusion = "success"
	}

	err := c.do(ctx, "PATCH", url, checkRunRequest{
		Name:       "geobatch",
		Status:     "completed",
		Conclusion: conclusion,
	}, nil)
	if err != nil {
		return fmt.Errorf("error closing check run: %w", err)
	}

	return nil
}

// PostComment leaves a comment on an issue or pull request.
func (c *Client) PostComment(ctx context.Context, issue int64, body string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.apiURL, c.owner, c.repo, issue)

	err := c.do(ctx, "POST", url, map[string]string{"body": body}, nil)
	if err != nil {
		return fmt.Errorf("error posting comment: %w", err)
	}

	return nil
}

// LatestSHA resolves the head commit of a branch.
func (c *Client) LatestSHA(ctx context.Context, branch string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/commits/%s", c.apiURL, c.owner, c.repo, branch)

	var result struct {
		SHA string `json:"sha"`
	}
	if err := c.do(ctx, "GET", url, nil, &result); err != nil {
		return "", fmt.Errorf("error resolving branch %s: %w", branch, err)
	}
	if result.SHA == "" {
		return "", fault.NotFound("branch %s has no head commit", branch)
	}

	return result.SHA, nil
}

// PullFiles lists the paths touched by a pull request.
func (c *Client) PullFiles(ctx context.Context, number int64) ([]string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=100", c.apiURL, c.owner, c.repo, number)

	var files []struct {
		Filename string `json:"filename"`
		Status   string `json:"status"`
	}
	if err := c.do(ctx, "GET", url, nil, &files); err != nil {
		return nil, fmt.Errorf("error listing pull request files: %w", err)
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		if f.Status == "removed" {
			continue
		}
		paths = append(paths, f.Filename)
	}

	return paths, nil
}

// TreeSources walks the repository tree at a commit and returns the
// paths of all source definitions under sources/.
func (c *Client) TreeSources(ctx context.Context, sha string) ([]string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=true", c.apiURL, c.owner, c.repo, sha)

	var result struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	if err := c.do(ctx, "GET", url, nil, &result); err != nil {
		return nil, fmt.Errorf("error reading tree %s: %w", sha, err)
	}
	if result.Truncated {
		return nil, fmt.Errorf("tree %s truncated by the API", sha)
	}

	var paths []string
	for _, entry := range result.Tree {
		if entry.Type != "blob" {
			continue
		}
		if strings.HasPrefix(entry.Path, "sources/") && strings.HasSuffix(entry.Path, ".json") {
			paths = append(paths, entry.Path)
		}
	}

	return paths, nil
}

// RawURL builds the raw-content URL of a repository path at a commit.
func (c *Client) RawURL(sha, path string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", DefaultRawURL, c.owner, c.repo, sha, path)
}

// Fetch downloads arbitrary raw content, typically a source definition.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("error decoding response: %w", err)
		}
	}

	return nil
}

// VerifySignature checks a webhook payload against its
// X-Hub-Signature-256 header using constant-time comparison.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
