// Package trello reads cards with due dates from Trello boards.
package trello

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

const defaultBaseURL = "https://api.trello.com/1"

type Credentials struct {
	APIKey string `json:"api_key" validate:"required"`
	Token  string `json:"token" validate:"required"`
}

type Config struct {
	Boards           []string `json:"boards" validate:"dive,required"`
	IncludeAllBoards bool     `json:"include_all_boards"`
	IncludeCompleted bool     `json:"include_completed"`
}

type board struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type card struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Desc        string  `json:"desc"`
	Due         *string `json:"due"`
	DueComplete bool    `json:"dueComplete"`
	URL         string  `json:"url"`
	Labels      []label `json:"labels"`
}

type label struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Adapter struct {
	opts scraper.Options
}

func New(opts scraper.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Type() model.PortalType { return model.PortalTypeTrello }

func (a *Adapter) decode(s scraper.Settings) (Credentials, Config, error) {
	var creds Credentials
	var cfg Config
	if err := scraper.DecodeSettings(a.Type(), s, &creds, &cfg); err != nil {
		return creds, cfg, err
	}
	if !cfg.IncludeAllBoards && len(cfg.Boards) == 0 {
		return creds, cfg, &apperrors.ConfigError{PortalType: a.Type().String(), Field: "config.boards", Message: "list at least one board or set include_all_boards"}
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
	base := s.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	client := scraper.NewClient(a.Type(), base, a.opts, func(req *http.Request) {
		q := req.URL.Query()
		q.Set("key", creds.APIKey)
		q.Set("token", creds.Token)
		req.URL.RawQuery = q.Encode()
	})

	boards := cfg.Boards
	if cfg.IncludeAllBoards {
		var all []board
		q := url.Values{"fields": {"id,name"}, "filter": {"open"}}
		if _, err := client.Get(ctx, "/members/me/boards", q, &all); err != nil {
			return nil, err
		}
		boards = nil
		for _, b := range all {
			boards = append(boards, b.ID)
		}
	}

	col := scraper.NewCollector(a.Type())
	for _, id := range boards {
		var cards []card
		q := url.Values{"fields": {"name,desc,due,dueComplete,url,labels"}, "filter": {"open"}}
		if _, err := client.Get(ctx, "/boards/"+url.PathEscape(id)+"/cards", q, &cards); err != nil {
			if abort := col.Fail(id, err); abort != nil {
				return nil, abort
			}
			continue
		}
		for _, c := range cards {
			if cand, ok := toCandidate(c, cfg.IncludeCompleted); ok {
				col.Add(cand)
			}
		}
		col.Succeeded()
	}
	return col.Result()
}

func toCandidate(c card, includeCompleted bool) (model.Candidate, bool) {
	if c.DueComplete && !includeCompleted {
		return model.Candidate{}, false
	}
	var (
		due time.Time
		ok  bool
	)
	if c.Due != nil {
		due, ok = scraper.ParseTimestamp(*c.Due)
	}
	if !ok {
		due, ok = scraper.ExtractDueDate(c.Name + "\n" + c.Desc)
	}
	if !ok {
		return model.Candidate{}, false
	}
	return model.Candidate{
		Title:       c.Name,
		Description: scraper.Truncate(c.Desc, 500),
		DueDate:     due,
		UpstreamKey: c.ID,
		UpstreamURL: c.URL,
		Priority:    cardPriority(c.Labels),
		RawBody:     c.Desc,
	}, true
}

// cardPriority reads label names first and falls back to label colors: red
// and orange are high, green low.
func cardPriority(labels []label) model.Priority {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		if l.Name != "" {
			names = append(names, l.Name)
		}
	}
	if p := scraper.PriorityFromLabels(names); p != model.PriorityMedium {
		return p
	}
	for _, l := range labels {
		switch strings.ToLower(l.Color) {
		case "red", "orange":
			return model.PriorityHigh
		}
	}
	for _, l := range labels {
		if strings.ToLower(l.Color) == "green" {
			return model.PriorityLow
		}
	}
	return model.PriorityMedium
}
