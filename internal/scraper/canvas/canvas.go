// Package canvas collects assignment due dates from Canvas LMS courses.
package canvas

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

type Credentials struct {
	AccessToken string `json:"access_token" validate:"required"`
}

type Config struct {
	// Courses limits the sync to these course ids; empty means every
	// course the user is enrolled in.
	Courses            []string `json:"courses" validate:"dive,numeric"`
	IncludePastCourses bool     `json:"include_past_courses"`
}

type course struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type assignment struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	DueAt       *string `json:"due_at"`
	HTMLURL     string  `json:"html_url"`
}

type Adapter struct {
	opts scraper.Options
}

func New(opts scraper.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Type() model.PortalType { return model.PortalTypeCanvas }

func (a *Adapter) decode(s scraper.Settings) (Credentials, Config, error) {
	var creds Credentials
	var cfg Config
	if err := scraper.DecodeSettings(a.Type(), s, &creds, &cfg); err != nil {
		return creds, cfg, err
	}
	if _, err := url.ParseRequestURI(s.BaseURL); s.BaseURL == "" || err != nil {
		return creds, cfg, &apperrors.ConfigError{PortalType: a.Type().String(), Field: "base_url", Message: "the Canvas instance URL is required"}
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
	client := scraper.NewClient(a.Type(), s.BaseURL, a.opts, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	})

	courses, err := a.courses(ctx, client, cfg)
	if err != nil {
		return nil, err
	}

	now := a.opts.Now()
	col := scraper.NewCollector(a.Type())
	for _, c := range courses {
		cands, err := a.assignments(ctx, client, c, now)
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

func (a *Adapter) courses(ctx context.Context, client *scraper.Client, cfg Config) ([]course, error) {
	if len(cfg.Courses) > 0 {
		out := make([]course, 0, len(cfg.Courses))
		for _, id := range cfg.Courses {
			var c course
			if _, err := client.Get(ctx, "/api/v1/courses/"+id, nil, &c); err != nil {
				return nil, fmt.Errorf("loading course %s: %w", id, err)
			}
			out = append(out, c)
		}
		return out, nil
	}

	q := url.Values{"per_page": {"100"}}
	if !cfg.IncludePastCourses {
		q.Set("enrollment_state", "active")
	}
	var out []course
	for next := "/api/v1/courses"; next != ""; q = nil {
		var page []course
		h, err := client.Get(ctx, next, q, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		next = scraper.NextLink(h)
	}
	return out, nil
}

func (a *Adapter) assignments(ctx context.Context, client *scraper.Client, c course, now time.Time) ([]model.Candidate, error) {
	var out []model.Candidate
	q := url.Values{"per_page": {"100"}, "order_by": {"due_at"}}
	for next := "/api/v1/courses/" + strconv.FormatInt(c.ID, 10) + "/assignments"; next != ""; q = nil {
		var page []assignment
		h, err := client.Get(ctx, next, q, &page)
		if err != nil {
			return nil, err
		}
		for _, as := range page {
			if as.DueAt == nil {
				continue
			}
			due, ok := scraper.ParseTimestamp(*as.DueAt)
			if !ok || scraper.TooOld(due, now) {
				continue
			}
			out = append(out, model.Candidate{
				Title:       fmt.Sprintf("[%s] %s", c.Name, as.Name),
				Description: scraper.Truncate(scraper.CleanHTML(as.Description), 200),
				DueDate:     due,
				UpstreamKey: strconv.FormatInt(as.ID, 10),
				UpstreamURL: as.HTMLURL,
				Priority:    scraper.PriorityByProximity(due, now),
				RawBody:     as.Description,
			})
		}
		next = scraper.NextLink(h)
	}
	return out, nil
}
