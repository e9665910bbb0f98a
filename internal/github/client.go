// Package github is the Remote Resource Client: authenticated calls against
// the GitHub REST API for users, repositories, issues, comments and hooks.
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/reporelay/reporelay/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrHookExists is returned by CreateHook when GitHub reports that an
// equivalent hook is already registered on the repository.
var ErrHookExists = errors.New("hook already exists")

// StatusError is a non-2xx response from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("github: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Config holds the client's application credentials and hook parameters.
type Config struct {
	// BaseURL is the API root, overridable for tests.
	BaseURL string
	// ClientID/ClientSecret authenticate the OAuth application itself for
	// the token check/revoke endpoints.
	ClientID     string
	ClientSecret string
	// AppName is sent as the User-Agent, which GitHub requires.
	AppName string
	// DeliveryURL is the public webhook endpoint registered on every hook.
	DeliveryURL string
	// AppHookSecret signs deliveries for the system-owned repository,
	// UserHookSecret for all principal-owned repositories.
	AppHookSecret  string
	UserHookSecret string
}

// Client performs GitHub REST calls with retry and circuit breaking.
type Client struct {
	cfg     Config
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewClient creates a client. The underlying http.Client follows redirects.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "github",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A definitive API answer is not a breaker failure, even
			// when it is a 4xx the caller treats as an error.
			IsSuccessful: func(err error) bool {
				var se *StatusError
				if errors.As(err, &se) {
					return se.StatusCode < 500
				}
				return err == nil
			},
		}),
		log: log.With(zap.String("module", "github")),
	}
}

// User fetches the authenticated principal.
func (c *Client) User(ctx context.Context, token string) (*Account, error) {
	raw, err := c.get(ctx, "user", c.cfg.BaseURL+"/user", token)
	if err != nil {
		return nil, err
	}
	acct := &Account{}
	if err := json.Unmarshal(raw, acct); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return acct, nil
}

// Repos fetches the principal's repository list.
func (c *Client) Repos(ctx context.Context, token string) ([]Repo, error) {
	raw, err := c.get(ctx, "repos", c.cfg.BaseURL+"/user/repos", token)
	if err != nil {
		return nil, err
	}
	var repos []Repo
	if err := json.Unmarshal(raw, &repos); err != nil {
		return nil, fmt.Errorf("decode repos: %w", err)
	}
	return repos, nil
}

// Repo re-fetches a single repository by its API URL.
func (c *Client) Repo(ctx context.Context, url, token string) (*Repo, error) {
	raw, err := c.get(ctx, "repo", url, token)
	if err != nil {
		return nil, err
	}
	repo := &Repo{}
	if err := json.Unmarshal(raw, repo); err != nil {
		return nil, fmt.Errorf("decode repo: %w", err)
	}
	return repo, nil
}

// RepoIssues fetches the issue list at url.
func (c *Client) RepoIssues(ctx context.Context, url, token string) ([]Issue, error) {
	raw, err := c.get(ctx, "issues", url, token)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	if err := json.Unmarshal(raw, &issues); err != nil {
		return nil, fmt.Errorf("decode issues: %w", err)
	}
	return issues, nil
}

// IssueComments fetches the comment list at url.
func (c *Client) IssueComments(ctx context.Context, url, token string) ([]Comment, error) {
	raw, err := c.get(ctx, "comments", url, token)
	if err != nil {
		return nil, err
	}
	var comments []Comment
	if err := json.Unmarshal(raw, &comments); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	return comments, nil
}

// CreateHook registers a webhook on the repository owning hooksURL.
// Principal-owned repositories subscribe to every event under the user
// secret; the system-owned repository subscribes to issue and issue-comment
// events under the app secret. A hook GitHub reports as duplicate yields
// ErrHookExists.
func (c *Client) CreateHook(ctx context.Context, hooksURL, token string, userOwned bool) (*Hook, error) {
	req := newHookRequest{
		Name:   "web",
		Active: true,
		Events: []string{"issues", "issue_comment"},
		Config: HookConfig{
			URL:         c.cfg.DeliveryURL,
			ContentType: "json",
			Secret:      c.cfg.AppHookSecret,
		},
	}
	if userOwned {
		req.Events = []string{"*"}
		req.Config.Secret = c.cfg.UserHookSecret
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, "create_hook", http.MethodPost, hooksURL, "token "+token, body)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnprocessableEntity {
			return nil, ErrHookExists
		}
		return nil, err
	}

	hook := &Hook{}
	if err := json.Unmarshal(raw, hook); err != nil {
		return nil, fmt.Errorf("decode hook: %w", err)
	}
	return hook, nil
}

// DeleteHook removes the hook at hookURL. A 404 counts as success, so
// deleting an already-deleted hook is a no-op.
func (c *Client) DeleteHook(ctx context.Context, hookURL, token string) error {
	_, err := c.do(ctx, "delete_hook", http.MethodDelete, hookURL, "token "+token, nil)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// CheckToken reports whether the access token is still valid. Any failure,
// including transport errors, reads as invalid.
func (c *Client) CheckToken(ctx context.Context, token string) bool {
	body, err := json.Marshal(map[string]string{"access_token": token})
	if err != nil {
		return false
	}
	url := c.cfg.BaseURL + "/applications/" + c.cfg.ClientID + "/token"
	_, err = c.do(ctx, "check_token", http.MethodPost, url, c.basicAuth(), body)
	return err == nil
}

// RevokeToken invalidates the access token. Best effort: logout proceeds even
// when revocation fails.
func (c *Client) RevokeToken(ctx context.Context, token string) bool {
	body, err := json.Marshal(map[string]string{"access_token": token})
	if err != nil {
		return false
	}
	url := c.cfg.BaseURL + "/applications/" + c.cfg.ClientID + "/token"
	_, err = c.do(ctx, "revoke_token", http.MethodDelete, url, c.basicAuth(), body)
	return err == nil
}

func (c *Client) get(ctx context.Context, op, url, token string) ([]byte, error) {
	return c.do(ctx, op, http.MethodGet, url, "token "+token, nil)
}

// do runs one API call through the circuit breaker, retrying transient
// failures with capped exponential backoff. 4xx responses are permanent.
func (c *Client) do(ctx context.Context, op, method, url, auth string, body []byte) ([]byte, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var raw []byte
		attempt := func() error {
			var err error
			raw, err = c.roundTrip(ctx, method, url, auth, body)
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}

		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(attempt, policy); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		metrics.GithubCallsTotal.WithLabelValues(op, "error").Inc()
		c.log.Debug("github call failed", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	metrics.GithubCallsTotal.WithLabelValues(op, "ok").Inc()
	raw, ok := result.([]byte)
	if !ok {
		return nil, nil
	}
	return raw, nil
}

func (c *Client) roundTrip(ctx context.Context, method, url, auth string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.AppName)
	req.Header.Set("Accept", "application/vnd.github+json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

func (c *Client) basicAuth() string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	return req.Header.Get("Authorization")
}
