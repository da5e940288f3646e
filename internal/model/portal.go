package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PortalType tags the upstream system a portal points at.
type PortalType string

const (
	PortalTypeGitHub     PortalType = "github"
	PortalTypeJira       PortalType = "jira"
	PortalTypeTrello     PortalType = "trello"
	PortalTypeCanvas     PortalType = "canvas"
	PortalTypeBlackboard PortalType = "blackboard"
	PortalTypeMoodle     PortalType = "moodle"
)

func (t PortalType) String() string { return string(t) }

// SyncStatus is the persisted state of the last sync. SyncStatusSyncing
// doubles as the per-portal advisory lock.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

type Portal struct {
	Base
	UserID  uuid.UUID  `json:"user_id" db:"user_id"`
	Type    PortalType `json:"portal_type" db:"portal_type"`
	Name    string     `json:"name" db:"name"`
	BaseURL string     `json:"base_url" db:"base_url"`
	// Credentials is the decrypted credential blob. The store seals it
	// before it reaches the database and never serializes it to clients.
	Credentials json.RawMessage `json:"-" db:"-"`
	Config      json.RawMessage `json:"config" db:"-"`
	Active      bool            `json:"active" db:"active"`
	LastSyncAt  *time.Time      `json:"last_sync_at,omitempty" db:"last_sync_at"`
	SyncStatus  SyncStatus      `json:"sync_status" db:"sync_status"`
	LastError   string          `json:"last_error,omitempty" db:"last_error"`
	SyncCount   int             `json:"sync_count" db:"sync_count"`
}

// SyncedWithin reports whether the portal finished a sync less than d ago.
func (p *Portal) SyncedWithin(now time.Time, d time.Duration) bool {
	return p.LastSyncAt != nil && now.Sub(*p.LastSyncAt) < d
}
