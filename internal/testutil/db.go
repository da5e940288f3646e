// Package testutil builds throwaway stores for tests.
package testutil

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/internal/repository/sqlstore"
	"github.com/jwalitptl/deadline-sync/pkg/security"
)

// Stores bundles every repository over one database.
type Stores struct {
	DB            *sqlx.DB
	Portals       repository.PortalRepository
	Deadlines     repository.DeadlineRepository
	Reminders     repository.ReminderRepository
	Notifications repository.NotificationRepository
	Contacts      repository.ContactRepository
	Digests       repository.DigestSettingsRepository
}

// NewTestDB creates an in-memory sqlite database with all migrations applied.
// It is closed when the test completes.
func NewTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlstore.NewDB(context.Background(), sqlstore.Config{
		Driver: sqlstore.DriverSQLite,
		Path:   "file::memory:",
	})
	if err != nil {
		t.Fatalf("creating test db: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing test db: %v", err)
		}
	})

	return db
}

// NewStores wires all repositories over a fresh test database. Credentials
// are sealed with a fixed test key.
func NewStores(t *testing.T) *Stores {
	t.Helper()

	db := NewTestDB(t)
	enc, err := security.NewEncryptorFromSecret("test-secret", "portal-credentials")
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}
	base := sqlstore.NewBaseRepository(db, nil)
	return &Stores{
		DB:            db,
		Portals:       sqlstore.NewPortalRepository(base, enc),
		Deadlines:     sqlstore.NewDeadlineRepository(base),
		Reminders:     sqlstore.NewReminderRepository(base),
		Notifications: sqlstore.NewNotificationRepository(base),
		Contacts:      sqlstore.NewContactRepository(base),
		Digests:       sqlstore.NewDigestSettingsRepository(base),
	}
}
