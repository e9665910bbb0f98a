package relay

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reporelay/reporelay/internal/github"
	"github.com/reporelay/reporelay/internal/hub"
	"github.com/reporelay/reporelay/internal/metrics"
)

// RepoView is one repository assembled by an aggregation workflow: the
// repository metadata nested with its issues and, when subscription creation
// succeeded, its hook record. Built fresh per request, never persisted.
type RepoView struct {
	github.Repo
	Issues []IssueView  `json:"issues,omitempty"`
	Hook   *github.Hook `json:"hook,omitempty"`
}

// IssueView nests an issue with its fetched comments.
type IssueView struct {
	github.Issue
	CommentList []github.Comment `json:"comment_list,omitempty"`
}

// allUserRepos runs the full repositories workflow for an authenticated
// principal: repository list, then per-repository issues, then per-issue
// comments, then per-repository hook creation. Each fan-out stage launches
// its calls concurrently and joins before the next stage; per-item failures
// are reported and skipped, never fatal. The single response goes out only
// after every stage has settled.
func (c *Coordinator) allUserRepos(ctx context.Context, identity int64, token string) {
	if identity < 0 || token == "" {
		c.sendError(identity, "you must be logged in to list your repositories")
		return
	}

	repos, err := c.api.Repos(ctx, token)
	if err != nil {
		c.log.Warn("repository list fetch failed", zap.Error(err))
		c.sendError(identity, "could not fetch your repositories")
		return
	}

	views := make([]RepoView, len(repos))
	for i, repo := range repos {
		views[i] = RepoView{Repo: repo}
	}

	c.fetchIssues(ctx, identity, token, views)
	c.fetchComments(ctx, identity, token, views)

	var g errgroup.Group
	for i := range views {
		i := i
		g.Go(func() error {
			hook, err := c.api.CreateHook(ctx, views[i].HooksURL, token, true)
			switch {
			case errors.Is(err, github.ErrHookExists):
				c.sendError(identity, "webhook already created for "+views[i].FullName)
			case err != nil:
				metrics.WorkflowErrorsTotal.Inc()
				c.sendError(identity, "could not create webhook for "+views[i].FullName)
			default:
				views[i].Hook = hook
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // tasks never return errors; Wait is the settle barrier

	c.sender.Send(identity, hub.Message{Type: "all-user-repos", Content: views})
}

// mainAppIssues assembles the system-owned repository's issues with their
// comments. Available to anonymous connections.
func (c *Coordinator) mainAppIssues(ctx context.Context, identity int64) {
	issues, err := c.api.RepoIssues(ctx, c.appIssuesURL(), c.cfg.AppRepoToken)
	if err != nil {
		c.log.Warn("app issue list fetch failed", zap.Error(err))
		c.sendError(identity, "could not fetch the app's issues")
		return
	}

	views := wrapIssues(issues)
	c.fetchIssueComments(ctx, identity, c.cfg.AppRepoToken, "the app repository", views)

	c.sender.Send(identity, hub.Message{Type: "main-app-issues", Content: views})
}

// userRepoUpdate re-fetches one repository with its issues and comments.
// Subscriptions are left untouched.
func (c *Coordinator) userRepoUpdate(ctx context.Context, identity int64, token, repoURL string) {
	if identity < 0 || token == "" {
		c.sendError(identity, "you must be logged in to refresh a repository")
		return
	}
	if repoURL == "" {
		c.sendError(identity, "missing repository URL")
		return
	}

	repo, err := c.api.Repo(ctx, repoURL, token)
	if err != nil {
		c.log.Warn("repository refresh failed", zap.Error(err))
		c.sendError(identity, "could not refresh the repository")
		return
	}

	views := []RepoView{{Repo: *repo}}
	c.fetchIssues(ctx, identity, token, views)
	c.fetchComments(ctx, identity, token, views)

	c.sender.Send(identity, hub.Message{Type: "user-repo-updated", Content: views[0]})
}

// setRepoHook enables or disables the webhook subscription on one
// principal-owned repository.
func (c *Coordinator) setRepoHook(ctx context.Context, identity int64, token, url string, create bool) {
	if identity < 0 || token == "" {
		c.sendError(identity, "you must be logged in to manage webhooks")
		return
	}
	if url == "" {
		c.sendError(identity, "missing webhook URL")
		return
	}

	hook, err := c.ManageHook(ctx, url, token, true, create)
	switch {
	case errors.Is(err, github.ErrHookExists):
		c.sendError(identity, "webhook already created")
	case err != nil:
		c.log.Warn("hook management failed", zap.Error(err))
		c.sendError(identity, "could not update the webhook")
	case create:
		c.sender.Send(identity, hub.Message{Type: "repo-webhook-enabled", Content: hook})
	default:
		c.sender.Send(identity, hub.Message{Type: "repo-webhook-disabled", Content: url})
	}
}

// fetchIssues fans out one issue-list fetch per repository flagged as having
// issues and joins before returning. A failing repository is reported once
// and left without issues; the batch continues.
func (c *Coordinator) fetchIssues(ctx context.Context, identity int64, token string, views []RepoView) {
	var g errgroup.Group
	for i := range views {
		if !views[i].HasIssues {
			continue
		}
		i := i
		g.Go(func() error {
			issues, err := c.api.RepoIssues(ctx, views[i].IssuesURL(), token)
			if err != nil {
				metrics.WorkflowErrorsTotal.Inc()
				c.sendError(identity, "could not fetch issues for "+views[i].FullName)
				return nil
			}
			views[i].Issues = wrapIssues(issues)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

// fetchComments fans out comment fetches across every issue of every view.
func (c *Coordinator) fetchComments(ctx context.Context, identity int64, token string, views []RepoView) {
	var g errgroup.Group
	for i := range views {
		name := views[i].FullName
		issues := views[i].Issues
		g.Go(func() error {
			c.fetchIssueComments(ctx, identity, token, name, issues)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

// fetchIssueComments fills in the comment list of every issue with a
// positive comment count, with the usual per-item isolation.
func (c *Coordinator) fetchIssueComments(ctx context.Context, identity int64, token, scope string, issues []IssueView) {
	var g errgroup.Group
	for i := range issues {
		if issues[i].Comments <= 0 {
			continue
		}
		i := i
		g.Go(func() error {
			comments, err := c.api.IssueComments(ctx, issues[i].CommentsURL, token)
			if err != nil {
				metrics.WorkflowErrorsTotal.Inc()
				c.sendError(identity, "could not fetch comments for an issue of "+scope)
				return nil
			}
			issues[i].CommentList = comments
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

func wrapIssues(issues []github.Issue) []IssueView {
	views := make([]IssueView, len(issues))
	for i, issue := range issues {
		views[i] = IssueView{Issue: issue}
	}
	return views
}
