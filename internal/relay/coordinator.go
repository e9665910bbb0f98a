// Package relay is the connection & delivery coordinator: it dispatches
// typed client messages to aggregation workflows and manages the webhook
// subscriptions those clients depend on.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reporelay/reporelay/internal/github"
	"github.com/reporelay/reporelay/internal/hub"
)

// workflowTimeout caps one aggregation run end to end, nested fan-out
// included.
const workflowTimeout = 2 * time.Minute

// API is the GitHub surface the coordinator calls. *github.Client implements
// it; tests substitute fakes.
type API interface {
	Repos(ctx context.Context, token string) ([]github.Repo, error)
	Repo(ctx context.Context, url, token string) (*github.Repo, error)
	RepoIssues(ctx context.Context, url, token string) ([]github.Issue, error)
	IssueComments(ctx context.Context, url, token string) ([]github.Comment, error)
	CreateHook(ctx context.Context, hooksURL, token string, userOwned bool) (*github.Hook, error)
	DeleteHook(ctx context.Context, hookURL, token string) error
}

var _ API = (*github.Client)(nil)

// Sender is the registry surface used to deliver workflow results.
type Sender interface {
	Send(identity int64, msg hub.Message)
}

// Config carries the coordinator's view of the system-owned repository.
type Config struct {
	// AppRepoHooksURL is the hooks collection of the system-owned
	// repository, e.g. https://api.github.com/repos/owner/app/hooks.
	AppRepoHooksURL string
	// AppRepoToken authenticates calls against the system-owned repository.
	AppRepoToken string
}

// Coordinator routes client requests through the aggregation workflows and
// owns the system-owned repository's hook for the process lifetime.
type Coordinator struct {
	api    API
	sender Sender
	cfg    Config
	log    *zap.Logger

	mu       sync.Mutex
	appHook  *github.Hook
	degraded bool
}

// New creates a coordinator. A single instance is constructed at process
// start and shared by reference; there is no package-level singleton.
func New(api API, sender Sender, cfg Config, log *zap.Logger) *Coordinator {
	return &Coordinator{
		api:    api,
		sender: sender,
		cfg:    cfg,
		log:    log.With(zap.String("module", "relay")),
	}
}

// HandleMessage is the hub's inbound handler. Each workflow runs in its own
// goroutine so one connection's slow aggregation never stalls the read loop.
func (c *Coordinator) HandleMessage(identity int64, token string, msg hub.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), workflowTimeout)
		defer cancel()
		c.dispatch(ctx, identity, token, msg)
	}()
}

func (c *Coordinator) dispatch(ctx context.Context, identity int64, token string, msg hub.Message) {
	switch msg.Type {
	case "all-user-repos":
		c.allUserRepos(ctx, identity, token)
	case "main-app-issues":
		c.mainAppIssues(ctx, identity)
	case "user-repo-update":
		c.userRepoUpdate(ctx, identity, token, contentString(msg))
	case "repo-webhook-enable":
		c.setRepoHook(ctx, identity, token, contentString(msg), true)
	case "repo-webhook-disable":
		c.setRepoHook(ctx, identity, token, contentString(msg), false)
	default:
		// Unrecognized types are silently ignored.
		c.log.Debug("ignoring unknown message type",
			zap.String("type", msg.Type), zap.Int64("identity", identity))
	}
}

func contentString(msg hub.Message) string {
	s, _ := msg.Content.(string)
	return s
}

func (c *Coordinator) sendError(identity int64, text string) {
	c.sender.Send(identity, hub.Message{Type: "error", Content: text})
}

// ManageHook creates or deletes the subscription at url. For create, url is
// the repository's hooks collection; for delete, it is the hook's own URL.
func (c *Coordinator) ManageHook(ctx context.Context, url, token string, userOwned, create bool) (*github.Hook, error) {
	if create {
		return c.api.CreateHook(ctx, url, token, userOwned)
	}
	return nil, c.api.DeleteHook(ctx, url, token)
}

// EnsureAppHook creates the hook on the system-owned repository and caches
// the record for the shutdown delete. A hook that already exists leaves the
// live-update channel working with nothing to delete later. Any other
// failure marks the channel degraded; the caller keeps the process running.
func (c *Coordinator) EnsureAppHook(ctx context.Context) error {
	hook, err := c.api.CreateHook(ctx, c.cfg.AppRepoHooksURL, c.cfg.AppRepoToken, false)
	switch {
	case errors.Is(err, github.ErrHookExists):
		c.log.Info("app repository hook already registered")
		return nil
	case err != nil:
		c.mu.Lock()
		c.degraded = true
		c.mu.Unlock()
		return fmt.Errorf("ensure app hook: %w", err)
	}

	c.mu.Lock()
	c.appHook = hook
	c.mu.Unlock()
	c.log.Info("app repository hook created", zap.Int64("hook_id", hook.ID))
	return nil
}

// DropAppHook deletes the hook cached by EnsureAppHook. Called during
// shutdown, before connections are closed, so the subscription is not leaked
// to a process that no longer services it.
func (c *Coordinator) DropAppHook(ctx context.Context) {
	c.mu.Lock()
	hook := c.appHook
	c.appHook = nil
	c.mu.Unlock()
	if hook == nil {
		return
	}
	if err := c.api.DeleteHook(ctx, hook.URL, c.cfg.AppRepoToken); err != nil {
		c.log.Warn("failed to delete app repository hook", zap.Error(err))
		return
	}
	c.log.Info("app repository hook deleted", zap.Int64("hook_id", hook.ID))
}

// Degraded reports whether the app-repo live-update channel failed to come
// up at startup.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// appIssuesURL derives the system-owned repository's issue collection from
// its hooks URL.
func (c *Coordinator) appIssuesURL() string {
	return strings.TrimSuffix(c.cfg.AppRepoHooksURL, "/hooks") + "/issues"
}
