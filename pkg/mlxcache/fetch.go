package mlxcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHubBaseURL = "https://huggingface.co"
	defaultUserAgent  = "afm-gateway"

	// maxRateLimitRetries bounds how many times a single tree-listing
	// request retries a 429 before giving up and surfacing RateLimitError
	// to the caller.
	maxRateLimitRetries = 3
)

// RepoFile is one entry from a HuggingFace repository file listing.
type RepoFile struct {
	Type string `json:"type"` // "file" or "directory"
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Fetcher is the opaque blob-fetching transport spec.md §1 treats as an
// external collaborator ("the weight-download transport itself ... treated
// as an opaque blob fetcher exposing a progress stream"). It talks to the
// HuggingFace Hub file API, pre-filtering listings to the weight/config
// allowlist (spec.md §4.3.1 step 5) so callers never see files they can't
// use, and retrying a bounded number of times when the hub throttles
// directory listing.
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	token      string
	baseURL    string
	sleep      func(context.Context, time.Duration) error
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithToken sets a HuggingFace API token for gated/private repositories.
func WithToken(token string) FetcherOption {
	return func(f *Fetcher) {
		if token != "" {
			f.token = token
		}
	}
}

// WithBaseURL overrides the hub base URL, for tests and for routing through
// an enterprise hub mirror.
func WithBaseURL(baseURL string) FetcherOption {
	return func(f *Fetcher) {
		if baseURL != "" {
			f.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// NewFetcher builds a Fetcher against the public HuggingFace Hub by
// default.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{},
		userAgent:  defaultUserAgent,
		baseURL:    defaultHubBaseURL,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ListFiles recursively lists every weight/config file in repo at revision
// (default "main" when empty) that WeightFilePattern allows; directories and
// files outside the allowlist are walked but never returned, so callers
// never have to re-filter a listing themselves.
func (f *Fetcher) ListFiles(ctx context.Context, repo, revision string) ([]RepoFile, error) {
	if revision == "" {
		revision = "main"
	}
	entries, err := f.listTreeRecursive(ctx, repo, revision, "")
	if err != nil {
		return nil, err
	}
	allowed := entries[:0]
	for _, e := range entries {
		if WeightFilePattern(e.Path) {
			allowed = append(allowed, e)
		}
	}
	return allowed, nil
}

func (f *Fetcher) listTreeRecursive(ctx context.Context, repo, revision, dirPath string) ([]RepoFile, error) {
	entries, err := f.listTreeLevel(ctx, repo, revision, dirPath)
	if err != nil {
		return nil, err
	}
	var all []RepoFile
	for _, entry := range entries {
		switch entry.Type {
		case "file":
			all = append(all, entry)
		case "directory":
			sub, err := f.listTreeRecursive(ctx, repo, revision, entry.Path)
			if err != nil {
				return nil, fmt.Errorf("mlxcache: list files in %s: %w", entry.Path, err)
			}
			all = append(all, sub...)
		}
	}
	return all, nil
}

// listTreeLevel lists one directory's entries, retrying on a 429 up to
// maxRateLimitRetries times using the hub's Retry-After hint (falling back
// to exponential backoff when the hub doesn't send one).
func (f *Fetcher) listTreeLevel(ctx context.Context, repo, revision, dirPath string) ([]RepoFile, error) {
	endpointPath := path.Join(revision, dirPath)
	url := fmt.Sprintf("%s/api/models/%s/tree/%s", f.baseURL, repo, endpointPath)

	for attempt := 0; ; attempt++ {
		files, rl, err := f.fetchTreeLevel(ctx, url, repo)
		switch {
		case err != nil:
			return nil, fmt.Errorf("mlxcache: list files: %w", err)
		case rl == nil:
			return files, nil
		case attempt >= maxRateLimitRetries:
			return nil, rl
		}
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
		}
		if sleepErr := f.sleep(ctx, wait); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

// fetchTreeLevel performs a single listing attempt. A *RateLimitError is
// returned as rl (not err) so the caller can decide whether to retry.
func (f *Fetcher) fetchTreeLevel(ctx context.Context, url, repo string) (files []RepoFile, rl *RateLimitError, err error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if statusErr := classifyStatus(resp, repo); statusErr != nil {
		if rateLimited, ok := statusErr.(*RateLimitError); ok {
			return nil, rateLimited, nil
		}
		return nil, nil, statusErr
	}
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, nil, fmt.Errorf("decode file listing: %w", err)
	}
	return files, nil, nil
}

// DownloadFile streams filename from repo at revision. The caller must
// close the returned ReadCloser. contentLength is -1 when the server did
// not report it. Unlike ListFiles, a download is not retried on rate-limit:
// retrying belongs to the listing phase, before any bytes have moved.
func (f *Fetcher) DownloadFile(ctx context.Context, repo, revision, filename string) (body io.ReadCloser, contentLength int64, err error) {
	if revision == "" {
		revision = "main"
	}
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", f.baseURL, repo, revision, filename)
	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, 0, fmt.Errorf("mlxcache: download file: %w", err)
	}
	if err := classifyStatus(resp, repo); err != nil {
		resp.Body.Close()
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// get issues a single request carrying the fetcher's auth/user-agent
// headers, returning the raw response for the caller to classify.
func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	return f.httpClient.Do(req)
}

// classifyStatus turns a non-2xx response into the matching typed error.
func classifyStatus(resp *http.Response, repo string) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Repo: repo, StatusCode: resp.StatusCode}
	case http.StatusNotFound:
		return &NotFoundError{Repo: repo}
	case http.StatusTooManyRequests:
		return &RateLimitError{Repo: repo, RetryAfter: retryAfter(resp)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mlxcache: unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// retryAfter parses the hub's Retry-After header (seconds), if present.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// AuthError indicates the hub rejected credentials for a gated repository.
type AuthError struct {
	Repo       string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mlxcache: authentication required for repository %q (status %d)", e.Repo, e.StatusCode)
}

// NotFoundError indicates the repository or file does not exist.
type NotFoundError struct {
	Repo string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mlxcache: repository %q not found", e.Repo)
}

// RateLimitError indicates the hub throttled this client. RetryAfter, when
// nonzero, is the hub's requested backoff.
type RateLimitError struct {
	Repo       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("mlxcache: rate limited while accessing repository %q", e.Repo)
}

// WeightFilePattern reports whether path matches the allowlist spec.md
// §4.3.1 step 5 requires ("a file-pattern allowlist covering weights,
// tokenizers, and configs") -- safetensors weights, shard index, and the
// small set of JSON/text config and tokenizer files MLX needs to load a
// model.
func WeightFilePattern(p string) bool {
	base := path.Base(p)
	lower := strings.ToLower(base)
	switch {
	case strings.HasSuffix(lower, ".safetensors"):
		return true
	case lower == "model.safetensors.index.json":
		return true
	case lower == "config.json", lower == "generation_config.json":
		return true
	case lower == "tokenizer.json", lower == "tokenizer_config.json":
		return true
	case lower == "tokenizer.model", lower == "vocab.json", lower == "merges.txt":
		return true
	case lower == "special_tokens_map.json", lower == "added_tokens.json":
		return true
	case lower == "preprocessor_config.json", lower == "chat_template.jinja":
		return true
	default:
		return false
	}
}
