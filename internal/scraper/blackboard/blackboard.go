// Package blackboard reads gradebook assignments from Blackboard Learn
// through its public REST API.
package blackboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

const apiPrefix = "/learn/api/public/v1"

// Credentials carries either a ready-made REST token or a registered
// application's key and secret for the client-credentials grant.
type Credentials struct {
	APIKey            string `json:"api_key" validate:"required_without=ApplicationKey"`
	ApplicationKey    string `json:"application_key" validate:"required_with=ApplicationSecret"`
	ApplicationSecret string `json:"application_secret" validate:"required_with=ApplicationKey"`
}

type Config struct {
	Courses []string `json:"courses" validate:"dive,required"`
	// IncludeCompleted keeps assignments whose due date is long past.
	IncludeCompleted bool `json:"include_completed"`
}

type course struct {
	ID       string `json:"id"`
	CourseID string `json:"courseId"`
	Name     string `json:"name"`
}

type column struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	DueDate     string `json:"dueDate"`
}

type paging struct {
	NextPage string `json:"nextPage"`
}

type coursePage struct {
	Results []course `json:"results"`
	Paging  paging   `json:"paging"`
}

type columnPage struct {
	Results []column `json:"results"`
	Paging  paging   `json:"paging"`
}

type Adapter struct {
	opts scraper.Options
}

func New(opts scraper.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Type() model.PortalType { return model.PortalTypeBlackboard }

func (a *Adapter) decode(s scraper.Settings) (Credentials, Config, error) {
	var creds Credentials
	var cfg Config
	if err := scraper.DecodeSettings(a.Type(), s, &creds, &cfg); err != nil {
		return creds, cfg, err
	}
	if _, err := url.ParseRequestURI(s.BaseURL); s.BaseURL == "" || err != nil {
		return creds, cfg, &apperrors.ConfigError{PortalType: a.Type().String(), Field: "base_url", Message: "the Blackboard Learn URL is required"}
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
	base := strings.TrimRight(s.BaseURL, "/")

	token := creds.APIKey
	if token == "" {
		if token, err = a.exchange(ctx, base, creds); err != nil {
			return nil, err
		}
	}
	client := scraper.NewClient(a.Type(), base+apiPrefix, a.opts, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})

	courses, err := a.courses(ctx, client, cfg)
	if err != nil {
		return nil, err
	}

	now := a.opts.Now()
	col := scraper.NewCollector(a.Type())
	for _, c := range courses {
		cands, err := a.columns(ctx, client, base, c, cfg, now)
		if err != nil {
			if abort := col.Fail(c.Name, err); abort != nil {
				return nil, abort
			}
			continue
		}
		col.Add(cands...)
		col.Succeeded()
	}
	return col.Result()
}

// exchange trades the application key and secret for a bearer token.
func (a *Adapter) exchange(ctx context.Context, base string, creds Credentials) (string, error) {
	cc := clientcredentials.Config{
		ClientID:     creds.ApplicationKey,
		ClientSecret: creds.ApplicationSecret,
		TokenURL:     base + apiPrefix + "/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.opts.NewLimitedHTTPClient())
	tok, err := cc.Token(ctx)
	if err == nil {
		return tok.AccessToken, nil
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		switch {
		case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
			return "", &apperrors.AuthError{PortalType: a.Type().String(), StatusCode: code, Message: "application key rejected"}
		case code == http.StatusTooManyRequests:
			return "", &apperrors.RateLimitError{PortalType: a.Type().String(), RetryAfter: scraper.ParseRetryAfter(re.Response.Header.Get("Retry-After"), a.opts.Now()), Err: err}
		case code < 500:
			return "", fmt.Errorf("token exchange: %w", err)
		}
	}
	return "", &apperrors.TransientNetworkError{PortalType: a.Type().String(), Op: "token exchange", Err: err}
}

func (a *Adapter) courses(ctx context.Context, client *scraper.Client, cfg Config) ([]course, error) {
	if len(cfg.Courses) > 0 {
		out := make([]course, 0, len(cfg.Courses))
		for _, id := range cfg.Courses {
			var c course
			if _, err := client.Get(ctx, "/courses/"+url.PathEscape(id), nil, &c); err != nil {
				return nil, fmt.Errorf("loading course %s: %w", id, err)
			}
			out = append(out, c)
		}
		return out, nil
	}

	var out []course
	q := url.Values{"limit": {"100"}, "fields": {"id,courseId,name"}}
	for next := "/courses"; next != ""; q = nil {
		var page coursePage
		if _, err := client.Get(ctx, a.resolve(client, next), q, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Results...)
		next = page.Paging.NextPage
	}
	return out, nil
}

func (a *Adapter) columns(ctx context.Context, client *scraper.Client, base string, c course, cfg Config, now time.Time) ([]model.Candidate, error) {
	var out []model.Candidate
	q := url.Values{"limit": {"100"}}
	for next := "/courses/" + url.PathEscape(c.ID) + "/gradebook/columns"; next != ""; q = nil {
		var page columnPage
		if _, err := client.Get(ctx, a.resolve(client, next), q, &page); err != nil {
			return nil, err
		}
		for _, col := range page.Results {
			if col.Type != "Assignment" || col.DueDate == "" {
				continue
			}
			due, ok := scraper.ParseTimestamp(col.DueDate)
			if !ok {
				continue
			}
			if !cfg.IncludeCompleted && scraper.TooOld(due, now) {
				continue
			}
			out = append(out, model.Candidate{
				Title:       fmt.Sprintf("[%s] %s", c.Name, col.Name),
				Description: scraper.Truncate(scraper.CleanHTML(col.Description), 200),
				DueDate:     due,
				UpstreamKey: c.ID + "/" + col.ID,
				UpstreamURL: fmt.Sprintf("%s/ultra/courses/%s/grades", base, url.PathEscape(c.ID)),
				Priority:    scraper.PriorityByProximity(due, now),
				RawBody:     col.Description,
			})
		}
		next = page.Paging.NextPage
	}
	return out, nil
}

// resolve turns a paging.nextPage value, which Blackboard returns rooted at
// the host ("/learn/api/public/v1/courses?offset=100"), into a path the
// client can use.
func (a *Adapter) resolve(client *scraper.Client, next string) string {
	if strings.HasPrefix(next, apiPrefix) {
		return strings.TrimSuffix(client.BaseURL(), apiPrefix) + next
	}
	return next
}
