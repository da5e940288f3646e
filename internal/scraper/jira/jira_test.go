package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

func TestValidateConfig(t *testing.T) {
	a := New(scraper.Options{})
	ok := scraper.Settings{
		BaseURL:     "https://jira.example.com",
		Credentials: json.RawMessage(`{"username":"ada","api_token":"t"}`),
		Config:      json.RawMessage(`{"project_keys":["OPS"]}`),
	}
	assert.NoError(t, a.ValidateConfig(ok))

	pat := ok
	pat.Credentials = json.RawMessage(`{"token":"pat"}`)
	assert.NoError(t, a.ValidateConfig(pat))

	noSecret := ok
	noSecret.Credentials = json.RawMessage(`{"username":"ada"}`)
	assert.True(t, apperrors.IsConfigError(a.ValidateConfig(noSecret)))

	badKey := ok
	badKey.Config = json.RawMessage(`{"project_keys":["ops"]}`)
	assert.True(t, apperrors.IsConfigError(a.ValidateConfig(badKey)))

	noURL := ok
	noURL.BaseURL = ""
	assert.True(t, apperrors.IsConfigError(a.ValidateConfig(noURL)))
}

func TestJQL(t *testing.T) {
	assert.Equal(t,
		"project = OPS AND status not in ('Resolved', 'Closed', 'Done') AND issuetype not in subTaskIssueTypes() AND (labels = release) ORDER BY created DESC",
		JQL("OPS", Config{JQLFilter: "labels = release"}))
	assert.Equal(t,
		"project = OPS AND status not in ('Resolved', 'Closed', 'Done') ORDER BY created DESC",
		JQL("OPS", Config{IncludeSubtasks: true}))
}

func TestPriority(t *testing.T) {
	assert.Equal(t, model.PriorityUrgent, Priority("Highest"))
	assert.Equal(t, model.PriorityUrgent, Priority("Blocker"))
	assert.Equal(t, model.PriorityHigh, Priority("High"))
	assert.Equal(t, model.PriorityLow, Priority("Lowest"))
	assert.Equal(t, model.PriorityMedium, Priority("Medium"))
}

func TestFetchCandidatesPaginates(t *testing.T) {
	issues := []string{
		`{"key":"OPS-1","fields":{"summary":"Rotate certs","duedate":"2025-11-05","priority":{"name":"High"}}}`,
		`{"key":"OPS-2","fields":{"summary":"Audit","description":"deadline: 2025-11-20"}}`,
		`{"key":"OPS-3","fields":{"summary":"Someday"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ada", user)
		assert.Equal(t, "t", pass)

		switch r.URL.Path {
		case "/rest/api/2/search":
			assert.Contains(t, r.URL.Query().Get("jql"), "project = OPS")
			start, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
			// Serve two issues per page regardless of maxResults.
			end := start + 2
			if end > len(issues) {
				end = len(issues)
			}
			body := "["
			for i, is := range issues[start:end] {
				if i > 0 {
					body += ","
				}
				body += is
			}
			body += "]"
			fmt.Fprintf(w, `{"startAt":%d,"maxResults":2,"total":%d,"issues":%s}`, start, len(issues), body)
		case "/rest/api/2/project/OPS/versions":
			fmt.Fprint(w, `[
				{"id":"10","name":"2.0","released":false,"releaseDate":"2025-12-01"},
				{"id":"9","name":"1.0","released":true,"releaseDate":"2025-01-01"}
			]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := New(scraper.Options{})
	cands, err := a.FetchCandidates(context.Background(), scraper.Settings{
		BaseURL:     srv.URL + "/rest/api/2",
		Credentials: json.RawMessage(`{"username":"ada","api_token":"t"}`),
		Config:      json.RawMessage(`{"project_keys":["OPS"],"include_versions":true}`),
	})
	require.NoError(t, err)
	require.Len(t, cands, 3)

	assert.Equal(t, "OPS-1", cands[0].UpstreamKey)
	assert.Equal(t, model.PriorityHigh, cands[0].Priority)
	assert.Equal(t, time.Date(2025, 11, 5, 0, 0, 0, 0, time.UTC), cands[0].DueDate)
	assert.Equal(t, srv.URL+"/browse/OPS-1", cands[0].UpstreamURL)

	assert.Equal(t, "OPS-2", cands[1].UpstreamKey)
	assert.Equal(t, time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC), cands[1].DueDate)

	assert.Equal(t, "Release: 2.0", cands[2].Title)
	assert.Equal(t, "OPS/version/10", cands[2].UpstreamKey)
}

func TestFetchCandidatesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := New(scraper.Options{})
	_, err := a.FetchCandidates(context.Background(), scraper.Settings{
		BaseURL:     srv.URL,
		Credentials: json.RawMessage(`{"token":"expired"}`),
		Config:      json.RawMessage(`{"project_keys":["OPS","WEB"]}`),
	})
	assert.True(t, apperrors.IsAuthError(err))
}
