// Package github turns open issues, pull requests and milestones of GitHub
// repositories into deadline candidates.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

const perPage = 100

type Credentials struct {
	// Token is optional; public repositories work without one at a lower
	// rate limit.
	Token string `json:"token"`
}

type Config struct {
	Repos               []string `json:"repos" validate:"required,min=1,dive,ownerrepo"`
	IncludeIssues       bool     `json:"include_issues"`
	IncludePRs          bool     `json:"include_prs"`
	IncludeAssignedOnly bool     `json:"include_assigned_only"`
	IncludeMilestones   bool     `json:"include_milestones"`
}

func defaultConfig() Config {
	return Config{IncludeIssues: true, IncludePRs: true, IncludeMilestones: true}
}

type Adapter struct {
	opts scraper.Options
}

func New(opts scraper.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Type() model.PortalType { return model.PortalTypeGitHub }

func (a *Adapter) decode(s scraper.Settings) (Credentials, Config, error) {
	var creds Credentials
	cfg := defaultConfig()
	err := scraper.DecodeSettings(a.Type(), s, &creds, &cfg)
	return creds, cfg, err
}

func (a *Adapter) ValidateConfig(s scraper.Settings) error {
	_, cfg, err := a.decode(s)
	if err != nil {
		return err
	}
	if !cfg.IncludeIssues && !cfg.IncludePRs && !cfg.IncludeMilestones {
		return &apperrors.ConfigError{PortalType: a.Type().String(), Field: "config", Message: "nothing to fetch: issues, pull requests and milestones are all disabled"}
	}
	if s.BaseURL != "" {
		if _, err := url.ParseRequestURI(s.BaseURL); err != nil {
			return &apperrors.ConfigError{PortalType: a.Type().String(), Field: "base_url", Err: err}
		}
	}
	return nil
}

func (a *Adapter) client(s scraper.Settings, creds Credentials) (*gh.Client, error) {
	c := gh.NewClient(a.opts.NewLimitedHTTPClient())
	if creds.Token != "" {
		c = c.WithAuthToken(creds.Token)
	}
	if s.BaseURL != "" {
		base := strings.TrimRight(s.BaseURL, "/") + "/"
		u, err := url.Parse(base)
		if err != nil {
			return nil, &apperrors.ConfigError{PortalType: a.Type().String(), Field: "base_url", Err: err}
		}
		c.BaseURL = u
	}
	return c, nil
}

func (a *Adapter) FetchCandidates(ctx context.Context, s scraper.Settings) ([]model.Candidate, error) {
	creds, cfg, err := a.decode(s)
	if err != nil {
		return nil, err
	}
	client, err := a.client(s, creds)
	if err != nil {
		return nil, err
	}

	var login string
	if cfg.IncludeAssignedOnly {
		user, _, err := client.Users.Get(ctx, "")
		if err != nil {
			return nil, a.mapError(err, "resolving authenticated user")
		}
		login = user.GetLogin()
	}

	col := scraper.NewCollector(a.Type())
	for _, repo := range cfg.Repos {
		owner, name, _ := strings.Cut(repo, "/")
		cands, err := a.fetchRepo(ctx, client, cfg, owner, name, login)
		if err != nil {
			if abort := col.Fail(repo, a.mapError(err, repo)); abort != nil {
				return nil, abort
			}
			continue
		}
		col.Add(cands...)
		col.Succeeded()
	}
	return col.Result()
}

func (a *Adapter) fetchRepo(ctx context.Context, client *gh.Client, cfg Config, owner, repo, login string) ([]model.Candidate, error) {
	var out []model.Candidate
	if cfg.IncludeIssues {
		cands, err := a.issues(ctx, client, owner, repo, login)
		if err != nil {
			return nil, err
		}
		out = append(out, cands...)
	}
	if cfg.IncludePRs {
		cands, err := a.pullRequests(ctx, client, owner, repo)
		if err != nil {
			return nil, err
		}
		out = append(out, cands...)
	}
	if cfg.IncludeMilestones {
		cands, err := a.milestones(ctx, client, owner, repo)
		if err != nil {
			return nil, err
		}
		out = append(out, cands...)
	}
	return out, nil
}

func (a *Adapter) issues(ctx context.Context, client *gh.Client, owner, repo, login string) ([]model.Candidate, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	if login != "" {
		opts.Assignee = login
	}

	var out []model.Candidate
	for {
		issues, resp, err := client.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			// The issues endpoint also lists pull requests.
			if issue.IsPullRequest() {
				continue
			}
			due, ok := dueDate(issue.GetTitle(), issue.GetBody(), issue.Milestone)
			if !ok {
				continue
			}
			out = append(out, model.Candidate{
				Title:       issue.GetTitle(),
				Description: scraper.Truncate(issue.GetBody(), 500),
				DueDate:     due,
				UpstreamKey: issueKey(owner, repo, issue.GetNumber()),
				UpstreamURL: issue.GetHTMLURL(),
				Priority:    scraper.PriorityFromLabels(labelNames(issue.Labels)),
				RawBody:     issue.GetBody(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (a *Adapter) pullRequests(ctx context.Context, client *gh.Client, owner, repo string) ([]model.Candidate, error) {
	opts := &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}

	var out []model.Candidate
	for {
		prs, resp, err := client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, pr := range prs {
			due, ok := dueDate(pr.GetTitle(), pr.GetBody(), pr.Milestone)
			if !ok {
				continue
			}
			priority := scraper.PriorityFromLabels(labelNames(pr.Labels))
			if pr.GetDraft() {
				priority = model.PriorityLow
			}
			out = append(out, model.Candidate{
				Title:       "PR: " + pr.GetTitle(),
				Description: scraper.Truncate(pr.GetBody(), 500),
				DueDate:     due,
				UpstreamKey: issueKey(owner, repo, pr.GetNumber()),
				UpstreamURL: pr.GetHTMLURL(),
				Priority:    priority,
				RawBody:     pr.GetBody(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (a *Adapter) milestones(ctx context.Context, client *gh.Client, owner, repo string) ([]model.Candidate, error) {
	opts := &gh.MilestoneListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}

	var out []model.Candidate
	for {
		milestones, resp, err := client.Issues.ListMilestones(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, m := range milestones {
			if m.DueOn == nil {
				continue
			}
			out = append(out, model.Candidate{
				Title:       "Milestone: " + m.GetTitle(),
				Description: m.GetDescription(),
				DueDate:     m.GetDueOn().Time.UTC(),
				UpstreamKey: fmt.Sprintf("%s/%s/milestone/%d", owner, repo, m.GetNumber()),
				UpstreamURL: m.GetHTMLURL(),
				Priority:    model.PriorityMedium,
				RawBody:     m.GetDescription(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// dueDate prefers a date written in the text and falls back to the
// milestone's due date.
func dueDate(title, body string, milestone *gh.Milestone) (time.Time, bool) {
	if due, ok := scraper.ExtractDueDate(title + "\n" + body); ok {
		return due, true
	}
	if milestone != nil && milestone.DueOn != nil {
		return milestone.GetDueOn().Time.UTC(), true
	}
	return time.Time{}, false
}

func issueKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func labelNames(labels []*gh.Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.GetName())
	}
	return names
}

// mapError converts go-github failures into the error taxonomy.
func (a *Adapter) mapError(err error, op string) error {
	pt := a.Type().String()

	var rle *gh.RateLimitError
	if errors.As(err, &rle) {
		wait := time.Until(rle.Rate.Reset.Time)
		if wait < 0 {
			wait = 0
		}
		return &apperrors.RateLimitError{PortalType: pt, RetryAfter: wait, Err: err}
	}
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return &apperrors.RateLimitError{PortalType: pt, RetryAfter: abuse.GetRetryAfter(), Err: err}
	}
	var resp *gh.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		code := resp.Response.StatusCode
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return &apperrors.AuthError{PortalType: pt, StatusCode: code, Message: resp.Message}
		case code >= 500:
			return &apperrors.TransientNetworkError{PortalType: pt, Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return &apperrors.TransientNetworkError{PortalType: pt, Op: op, Err: err}
}
