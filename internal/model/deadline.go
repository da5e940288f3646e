package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is ordered: low < medium < high < urgent < critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityUrgent:   4,
	PriorityCritical: 5,
}

// Rank returns the ordinal of p, 0 for unknown values.
func (p Priority) Rank() int { return priorityRank[p] }

func (p Priority) Valid() bool { return p.Rank() > 0 }

// ParsePriority accepts any casing and falls back to medium.
func ParsePriority(s string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p
	}
	return PriorityMedium
}

type DeadlineStatus string

const (
	DeadlineStatusPending    DeadlineStatus = "pending"
	DeadlineStatusInProgress DeadlineStatus = "in_progress"
	DeadlineStatusCompleted  DeadlineStatus = "completed"
	DeadlineStatusOverdue    DeadlineStatus = "overdue"
)

type Deadline struct {
	Base
	UserID      uuid.UUID      `json:"user_id" db:"user_id"`
	Title       string         `json:"title" db:"title"`
	Description string         `json:"description" db:"description"`
	DueDate     time.Time      `json:"due_date" db:"due_date"`
	Priority    Priority       `json:"priority" db:"priority"`
	Status      DeadlineStatus `json:"status" db:"status"`
	PortalID    *uuid.UUID     `json:"portal_id,omitempty" db:"portal_id"`
	UpstreamKey string         `json:"upstream_key,omitempty" db:"upstream_key"`
	UpstreamURL string         `json:"upstream_url,omitempty" db:"upstream_url"`
	Tags        StringList     `json:"tags" db:"tags"`
	RawBody     string         `json:"-" db:"raw_body"`
	// MissingSince is set when the item stopped appearing upstream.
	MissingSince *time.Time `json:"missing_since,omitempty" db:"missing_since"`
}

// EffectiveStatus derives "overdue" from the due date without storing it.
func (d *Deadline) EffectiveStatus(now time.Time) DeadlineStatus {
	if d.Status == DeadlineStatusCompleted {
		return d.Status
	}
	if now.After(d.DueDate) {
		return DeadlineStatusOverdue
	}
	return d.Status
}

// Candidate is a normalized deadline proposed by an adapter, not yet
// reconciled into storage.
type Candidate struct {
	Title       string
	Description string
	DueDate     time.Time
	UpstreamKey string
	UpstreamURL string
	Priority    Priority
	RawBody     string
}
