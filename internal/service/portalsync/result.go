package portalsync

import (
	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/model"
)

type Outcome string

const (
	OutcomeSynced          Outcome = "synced"
	OutcomePartial         Outcome = "partial"
	OutcomeFailed          Outcome = "failed"
	OutcomeSkippedInactive Outcome = "skipped_inactive"
	OutcomeSkippedBusy     Outcome = "skipped_busy"
	OutcomeSkippedRecent   Outcome = "skipped_recent"
)

// Stats counts what reconciliation did with the fetched candidates.
type Stats struct {
	Fetched   int `json:"fetched"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	// Skipped candidates had no upstream key, no due date, or repeated a
	// key seen earlier in the same fetch.
	Skipped    int `json:"skipped"`
	Missing    int `json:"missing"`
	Reappeared int `json:"reappeared"`
}

type Result struct {
	PortalID   uuid.UUID        `json:"portal_id"`
	PortalType model.PortalType `json:"portal_type"`
	Outcome    Outcome          `json:"outcome"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	Stats      Stats            `json:"stats"`
}

type BatchResult struct {
	Results []*Result `json:"results"`
	Synced  int       `json:"synced"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
}
