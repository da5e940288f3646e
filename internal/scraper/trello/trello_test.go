package trello

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

const creds = `{"api_key":"k","token":"t"}`

func TestValidateConfig(t *testing.T) {
	a := New(scraper.Options{})
	assert.NoError(t, a.ValidateConfig(scraper.Settings{Credentials: json.RawMessage(creds), Config: json.RawMessage(`{"boards":["b1"]}`)}))
	assert.NoError(t, a.ValidateConfig(scraper.Settings{Credentials: json.RawMessage(creds), Config: json.RawMessage(`{"include_all_boards":true}`)}))

	err := a.ValidateConfig(scraper.Settings{Credentials: json.RawMessage(creds), Config: json.RawMessage(`{}`)})
	assert.True(t, apperrors.IsConfigError(err))

	err = a.ValidateConfig(scraper.Settings{Credentials: json.RawMessage(`{"api_key":"k"}`), Config: json.RawMessage(`{"boards":["b1"]}`)})
	assert.True(t, apperrors.IsConfigError(err))
}

func TestCardPriority(t *testing.T) {
	assert.Equal(t, model.PriorityUrgent, cardPriority([]label{{Name: "Blocker", Color: "green"}}))
	assert.Equal(t, model.PriorityHigh, cardPriority([]label{{Color: "red"}}))
	assert.Equal(t, model.PriorityLow, cardPriority([]label{{Name: "misc", Color: "green"}}))
	assert.Equal(t, model.PriorityMedium, cardPriority([]label{{Color: "yellow"}}))
}

func TestFetchCandidatesAllBoards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		assert.Equal(t, "t", r.URL.Query().Get("token"))
		switch r.URL.Path {
		case "/members/me/boards":
			fmt.Fprint(w, `[{"id":"b1","name":"Sprint"},{"id":"b2","name":"Broken"}]`)
		case "/boards/b1/cards":
			fmt.Fprint(w, `[
				{"id":"c1","name":"Write report","due":"2025-11-04T17:00:00.000Z","url":"https://trello.com/c/c1","labels":[{"color":"red"}]},
				{"id":"c2","name":"Done thing","due":"2025-11-01T00:00:00.000Z","dueComplete":true},
				{"id":"c3","name":"Plan","desc":"due: 2025-11-09"},
				{"id":"c4","name":"No date"}
			]`)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	a := New(scraper.Options{})
	cands, err := a.FetchCandidates(context.Background(), scraper.Settings{
		BaseURL:     srv.URL,
		Credentials: json.RawMessage(creds),
		Config:      json.RawMessage(`{"include_all_boards":true}`),
	})
	var partial *apperrors.PartialResultError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failures, "b2")

	require.Len(t, cands, 2)
	assert.Equal(t, "c1", cands[0].UpstreamKey)
	assert.Equal(t, time.Date(2025, 11, 4, 17, 0, 0, 0, time.UTC), cands[0].DueDate)
	assert.Equal(t, model.PriorityHigh, cands[0].Priority)
	assert.Equal(t, "c3", cands[1].UpstreamKey)
	assert.Equal(t, time.Date(2025, 11, 9, 0, 0, 0, 0, time.UTC), cands[1].DueDate)
}
