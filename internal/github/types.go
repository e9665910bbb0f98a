package github

// Account is a GitHub user or organization.
type Account struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Repo is the subset of repository metadata the relay works with.
type Repo struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	FullName   string  `json:"full_name"`
	URL        string  `json:"url"`
	HTMLURL    string  `json:"html_url"`
	HooksURL   string  `json:"hooks_url"`
	HasIssues  bool    `json:"has_issues"`
	OpenIssues int     `json:"open_issues_count"`
	Private    bool    `json:"private"`
	Owner      Account `json:"owner"`
}

// IssuesURL is the collection URL for the repository's issues.
func (r Repo) IssuesURL() string {
	return r.URL + "/issues"
}

// Issue is the subset of issue metadata the relay works with.
type Issue struct {
	ID          int64   `json:"id"`
	Number      int     `json:"number"`
	Title       string  `json:"title"`
	State       string  `json:"state"`
	Body        string  `json:"body"`
	URL         string  `json:"url"`
	HTMLURL     string  `json:"html_url"`
	Comments    int     `json:"comments"`
	CommentsURL string  `json:"comments_url"`
	User        Account `json:"user"`
}

// Comment is one issue comment.
type Comment struct {
	ID        int64   `json:"id"`
	Body      string  `json:"body"`
	CreatedAt string  `json:"created_at"`
	User      Account `json:"user"`
}

// Hook mirrors a remotely-registered webhook subscription.
type Hook struct {
	ID     int64      `json:"id"`
	URL    string     `json:"url"`
	Active bool       `json:"active"`
	Events []string   `json:"events"`
	Config HookConfig `json:"config"`
}

// HookConfig is the delivery configuration of a hook.
type HookConfig struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Secret      string `json:"secret,omitempty"`
}

type newHookRequest struct {
	Name   string     `json:"name"`
	Active bool       `json:"active"`
	Events []string   `json:"events"`
	Config HookConfig `json:"config"`
}
