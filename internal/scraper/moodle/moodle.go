// Package moodle pulls assignment due dates and calendar deadlines through
// the Moodle web service REST endpoint.
package moodle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

const endpoint = "/webservice/rest/server.php"

// Error codes Moodle uses for a token that is unknown, expired or not
// allowed to call the service.
var authErrorCodes = map[string]bool{
	"invalidtoken":        true,
	"accessexception":     true,
	"servicenotavailable": true,
}

type Credentials struct {
	Token string `json:"token" validate:"required"`
}

type Config struct {
	Courses    []int64 `json:"courses" validate:"dive,min=1"`
	WeeksAhead int     `json:"weeks_ahead" validate:"min=1,max=52"`
}

type siteInfo struct {
	UserID int64 `json:"userid"`
}

type course struct {
	ID       int64  `json:"id"`
	FullName string `json:"fullname"`
}

type assignment struct {
	ID      int64  `json:"id"`
	CMID    int64  `json:"cmid"`
	Name    string `json:"name"`
	Intro   string `json:"intro"`
	DueDate int64  `json:"duedate"`
}

type assignmentsResponse struct {
	Courses []struct {
		ID          int64        `json:"id"`
		Assignments []assignment `json:"assignments"`
	} `json:"courses"`
}

type event struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	EventType   string `json:"eventtype"`
	ModuleName  string `json:"modulename"`
	Instance    int64  `json:"instance"`
	TimeStart   int64  `json:"timestart"`
	URL         string `json:"url"`
}

type eventsResponse struct {
	Events []event `json:"events"`
}

// wsError is the body Moodle returns, with status 200, when a call fails.
type wsError struct {
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
}

type Adapter struct {
	opts scraper.Options
}

func New(opts scraper.Options) *Adapter {
	return &Adapter{opts: opts.WithDefaults()}
}

func (a *Adapter) Type() model.PortalType { return model.PortalTypeMoodle }

func (a *Adapter) decode(s scraper.Settings) (Credentials, Config, error) {
	var creds Credentials
	cfg := Config{WeeksAhead: 4}
	if err := scraper.DecodeSettings(a.Type(), s, &creds, &cfg); err != nil {
		return creds, cfg, err
	}
	if _, err := url.ParseRequestURI(s.BaseURL); s.BaseURL == "" || err != nil {
		return creds, cfg, &apperrors.ConfigError{PortalType: a.Type().String(), Field: "base_url", Message: "the Moodle site URL is required"}
	}
	return creds, cfg, nil
}

func (a *Adapter) ValidateConfig(s scraper.Settings) error {
	_, _, err := a.decode(s)
	return err
}

type session struct {
	a      *Adapter
	client *scraper.Client
	token  string
	base   string
}

// call invokes one web service function and decodes its result into out.
func (s *session) call(ctx context.Context, function string, params url.Values, out interface{}) error {
	q := url.Values{
		"wstoken":            {s.token},
		"wsfunction":         {function},
		"moodlewsrestformat": {"json"},
	}
	for k, v := range params {
		q[k] = v
	}
	var raw json.RawMessage
	if _, err := s.client.Get(ctx, endpoint, q, &raw); err != nil {
		return err
	}

	var wsErr wsError
	if len(raw) > 0 && raw[0] == '{' && json.Unmarshal(raw, &wsErr) == nil && wsErr.Exception != "" {
		if authErrorCodes[wsErr.ErrorCode] {
			return &apperrors.AuthError{PortalType: s.a.Type().String(), Message: wsErr.Message}
		}
		return fmt.Errorf("%s: %s (%s)", function, wsErr.Message, wsErr.ErrorCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s: %w", function, err)
	}
	return nil
}

func (a *Adapter) FetchCandidates(ctx context.Context, s scraper.Settings) ([]model.Candidate, error) {
	creds, cfg, err := a.decode(s)
	if err != nil {
		return nil, err
	}
	sess := &session{
		a:      a,
		client: scraper.NewClient(a.Type(), s.BaseURL, a.opts, nil),
		token:  creds.Token,
		base:   strings.TrimRight(s.BaseURL, "/"),
	}

	var info siteInfo
	if err := sess.call(ctx, "core_webservice_get_site_info", nil, &info); err != nil {
		return nil, err
	}
	var courses []course
	if err := sess.call(ctx, "core_enrol_get_users_courses", url.Values{"userid": {strconv.FormatInt(info.UserID, 10)}}, &courses); err != nil {
		return nil, err
	}
	courses = filterCourses(courses, cfg.Courses)

	now := a.opts.Now()
	until := now.Add(time.Duration(cfg.WeeksAhead) * 7 * 24 * time.Hour)
	col := scraper.NewCollector(a.Type())
	for _, c := range courses {
		cands, err := sess.course(ctx, c, now, until)
		if err != nil {
			if abort := col.Fail(c.FullName, err); abort != nil {
				return nil, abort
			}
			continue
		}
		col.Add(cands...)
		col.Succeeded()
	}
	return col.Result()
}

func filterCourses(courses []course, want []int64) []course {
	if len(want) == 0 {
		return courses
	}
	keep := make(map[int64]bool, len(want))
	for _, id := range want {
		keep[id] = true
	}
	out := courses[:0]
	for _, c := range courses {
		if keep[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func (s *session) course(ctx context.Context, c course, now, until time.Time) ([]model.Candidate, error) {
	id := strconv.FormatInt(c.ID, 10)

	var assigns assignmentsResponse
	if err := s.call(ctx, "mod_assign_get_assignments", url.Values{"courseids[0]": {id}}, &assigns); err != nil {
		return nil, err
	}
	var events eventsResponse
	err := s.call(ctx, "core_calendar_get_calendar_events", url.Values{
		"events[courseids][0]": {id},
		"options[timestart]":   {strconv.FormatInt(now.Unix(), 10)},
		"options[timeend]":     {strconv.FormatInt(until.Unix(), 10)},
	}, &events)
	if err != nil {
		return nil, err
	}

	var out []model.Candidate
	seen := map[int64]bool{}
	for _, ac := range assigns.Courses {
		for _, as := range ac.Assignments {
			seen[as.ID] = true
			if as.DueDate == 0 {
				continue
			}
			due := time.Unix(as.DueDate, 0).UTC()
			if scraper.TooOld(due, now) {
				continue
			}
			out = append(out, model.Candidate{
				Title:       fmt.Sprintf("[%s] %s", c.FullName, as.Name),
				Description: scraper.Truncate(scraper.CleanHTML(as.Intro), 200),
				DueDate:     due,
				UpstreamKey: "assign/" + strconv.FormatInt(as.ID, 10),
				UpstreamURL: fmt.Sprintf("%s/mod/assign/view.php?id=%d", s.base, as.CMID),
				Priority:    scraper.PriorityByProximity(due, now),
				RawBody:     as.Intro,
			})
		}
	}

	for _, ev := range events.Events {
		// Assignment due events repeat what mod_assign already returned.
		if ev.ModuleName == "assign" && seen[ev.Instance] {
			continue
		}
		if !strings.Contains(strings.ToLower(ev.EventType), "due") && !strings.Contains(strings.ToLower(ev.Name), "assignment") {
			continue
		}
		if ev.TimeStart == 0 {
			continue
		}
		due := time.Unix(ev.TimeStart, 0).UTC()
		if scraper.TooOld(due, now) {
			continue
		}
		out = append(out, model.Candidate{
			Title:       fmt.Sprintf("[%s] %s", c.FullName, ev.Name),
			Description: scraper.Truncate(scraper.CleanHTML(ev.Description), 200),
			DueDate:     due,
			UpstreamKey: "event/" + strconv.FormatInt(ev.ID, 10),
			UpstreamURL: ev.URL,
			Priority:    scraper.PriorityByProximity(due, now),
			RawBody:     ev.Description,
		})
	}
	return out, nil
}
