// Package jira fetches open issues (and optionally upcoming releases) from
// Jira Server, Data Center or Cloud through REST API v2.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

const pageSize = 100

// Credentials accept either basic auth (username with an API token or a
// password) or a personal access token sent as a bearer token.
type Credentials struct {
	Username string `json:"username" validate:"required_without=Token"`
	APIToken string `json:"api_token"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

type Config struct {
	ProjectKeys     []string `json:"project_keys" validate:"required,min=1,dive,projectkey"`
	IncludeSubtasks bool     `json:"include_subtasks"`
	JQLFilter       string   `json:"jql_filter" validate:"max=1000"`
	IncludeVersions bool     `json:"include_versions"`
}

type Adapter struct {
	opts scraper.Options
}

func New(opts scraper.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Type() model.PortalType { return model.PortalTypeJira }

func (a *Adapter) decode(s scraper.Settings) (Credentials, Config, error) {
	var creds Credentials
	var cfg Config
	if err := scraper.DecodeSettings(a.Type(), s, &creds, &cfg); err != nil {
		return creds, cfg, err
	}
	if creds.Token == "" && creds.APIToken == "" && creds.Password == "" {
		return creds, cfg, &apperrors.ConfigError{PortalType: a.Type().String(), Field: "credentials", Message: "one of token, api_token or password is required"}
	}
	if _, err := url.ParseRequestURI(s.BaseURL); err != nil || s.BaseURL == "" {
		return creds, cfg, &apperrors.ConfigError{PortalType: a.Type().String(), Field: "base_url", Message: "a Jira base URL is required"}
	}
	return creds, cfg, nil
}

func (a *Adapter) ValidateConfig(s scraper.Settings) error {
	_, _, err := a.decode(s)
	return err
}

func (a *Adapter) FetchCandidates(ctx context.Context, s scraper.Settings) ([]model.Candidate, error) {
	creds, cfg, err := a.decode(s)
	if err != nil {
		return nil, err
	}
	// Some installs are configured with the REST root rather than the site.
	base := strings.TrimSuffix(strings.TrimRight(s.BaseURL, "/"), "/rest/api/2")
	client := scraper.NewClient(a.Type(), base, a.opts, authorizer(creds))

	col := scraper.NewCollector(a.Type())
	for _, key := range cfg.ProjectKeys {
		cands, err := a.project(ctx, client, cfg, key)
		if err != nil {
			if abort := col.Fail(key, err); abort != nil {
				return nil, abort
			}
			continue
		}
		col.Add(cands...)
		col.Succeeded()
	}
	return col.Result()
}

func authorizer(creds Credentials) func(*http.Request) {
	return func(req *http.Request) {
		switch {
		case creds.Token != "":
			req.Header.Set("Authorization", "Bearer "+creds.Token)
		case creds.APIToken != "":
			req.SetBasicAuth(creds.Username, creds.APIToken)
		default:
			req.SetBasicAuth(creds.Username, creds.Password)
		}
	}
}

// JQL builds the search query for one project.
func JQL(projectKey string, cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "project = %s AND status not in ('Resolved', 'Closed', 'Done')", projectKey)
	if !cfg.IncludeSubtasks {
		b.WriteString(" AND issuetype not in subTaskIssueTypes()")
	}
	if f := strings.TrimSpace(cfg.JQLFilter); f != "" {
		fmt.Fprintf(&b, " AND (%s)", f)
	}
	b.WriteString(" ORDER BY created DESC")
	return b.String()
}

func (a *Adapter) project(ctx context.Context, client *scraper.Client, cfg Config, key string) ([]model.Candidate, error) {
	var out []model.Candidate
	jql := JQL(key, cfg)
	for startAt := 0; ; {
		q := url.Values{}
		q.Set("jql", jql)
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(pageSize))
		q.Set("fields", "summary,description,duedate,priority,issuetype,labels")

		var page searchResponse
		if _, err := client.Get(ctx, "/rest/api/2/search", q, &page); err != nil {
			return nil, err
		}
		for _, is := range page.Issues {
			if c, ok := a.candidate(client.BaseURL(), is); ok {
				out = append(out, c)
			}
		}
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			break
		}
	}

	if cfg.IncludeVersions {
		versions, err := a.versions(ctx, client, key)
		if err != nil {
			return nil, err
		}
		out = append(out, versions...)
	}
	return out, nil
}

func (a *Adapter) candidate(base string, is issue) (model.Candidate, bool) {
	f := is.Fields
	due, ok := scraper.ParseTimestamp(f.DueDate)
	if !ok {
		due, ok = scraper.ExtractDueDate(f.Summary + "\n" + f.Description)
	}
	if !ok {
		return model.Candidate{}, false
	}
	priority := model.PriorityMedium
	if f.Priority != nil {
		priority = Priority(f.Priority.Name)
	}
	return model.Candidate{
		Title:       f.Summary,
		Description: scraper.Truncate(f.Description, 500),
		DueDate:     due,
		UpstreamKey: is.Key,
		UpstreamURL: base + "/browse/" + is.Key,
		Priority:    priority,
		RawBody:     f.Description,
	}, true
}

func (a *Adapter) versions(ctx context.Context, client *scraper.Client, key string) ([]model.Candidate, error) {
	var versions []version
	if _, err := client.Get(ctx, "/rest/api/2/project/"+url.PathEscape(key)+"/versions", nil, &versions); err != nil {
		return nil, err
	}
	var out []model.Candidate
	for _, v := range versions {
		if v.Released || v.Archived {
			continue
		}
		due, ok := scraper.ParseTimestamp(v.ReleaseDate)
		if !ok {
			continue
		}
		out = append(out, model.Candidate{
			Title:       "Release: " + v.Name,
			Description: v.Description,
			DueDate:     due,
			UpstreamKey: fmt.Sprintf("%s/version/%s", key, v.ID),
			UpstreamURL: client.BaseURL() + "/projects/" + key,
			Priority:    model.PriorityMedium,
			RawBody:     v.Description,
		})
	}
	return out, nil
}

// Priority maps a Jira priority name onto the shared scale.
func Priority(name string) model.Priority {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "highest"), strings.Contains(n, "critical"), strings.Contains(n, "blocker"):
		return model.PriorityUrgent
	case strings.Contains(n, "high"), strings.Contains(n, "major"):
		return model.PriorityHigh
	case strings.Contains(n, "low"), strings.Contains(n, "trivial"), strings.Contains(n, "minor"):
		return model.PriorityLow
	}
	return model.PriorityMedium
}
