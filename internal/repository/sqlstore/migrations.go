package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

type migration struct {
	version int
	stmts   []string
}

// Column types differ between drivers; schema text uses these tokens.
var dialects = map[string]*strings.Replacer{
	DriverPostgres: strings.NewReplacer("{{UUID}}", "UUID", "{{TS}}", "TIMESTAMPTZ", "{{BLOB}}", "BYTEA", "{{BOOL}}", "BOOLEAN"),
	DriverSQLite:   strings.NewReplacer("{{UUID}}", "TEXT", "{{TS}}", "DATETIME", "{{BLOB}}", "BLOB", "{{BOOL}}", "BOOLEAN"),
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS portals (
				id {{UUID}} PRIMARY KEY,
				user_id {{UUID}} NOT NULL,
				portal_type TEXT NOT NULL,
				name TEXT NOT NULL,
				base_url TEXT NOT NULL DEFAULT '',
				credentials {{BLOB}},
				config TEXT NOT NULL DEFAULT '{}',
				active {{BOOL}} NOT NULL DEFAULT TRUE,
				last_sync_at {{TS}},
				sync_status TEXT NOT NULL DEFAULT 'idle',
				sync_started_at {{TS}},
				last_error TEXT NOT NULL DEFAULT '',
				sync_count INTEGER NOT NULL DEFAULT 0,
				created_at {{TS}} NOT NULL,
				updated_at {{TS}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_portals_user ON portals (user_id)`,
			`CREATE TABLE IF NOT EXISTS deadlines (
				id {{UUID}} PRIMARY KEY,
				user_id {{UUID}} NOT NULL,
				portal_id {{UUID}} REFERENCES portals (id) ON DELETE CASCADE,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				due_date {{TS}} NOT NULL,
				priority TEXT NOT NULL,
				status TEXT NOT NULL,
				upstream_key TEXT NOT NULL DEFAULT '',
				upstream_url TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				raw_body TEXT NOT NULL DEFAULT '',
				missing_since {{TS}},
				overdue_alerted_at {{TS}},
				created_at {{TS}} NOT NULL,
				updated_at {{TS}} NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_deadlines_upstream ON deadlines (portal_id, upstream_key)`,
			`CREATE INDEX IF NOT EXISTS idx_deadlines_due ON deadlines (due_date)`,
			`CREATE TABLE IF NOT EXISTS reminder_configs (
				user_id {{UUID}} NOT NULL,
				offset_tag TEXT NOT NULL,
				email_enabled {{BOOL}} NOT NULL DEFAULT FALSE,
				sms_enabled {{BOOL}} NOT NULL DEFAULT FALSE,
				whatsapp_enabled {{BOOL}} NOT NULL DEFAULT FALSE,
				push_enabled {{BOOL}} NOT NULL DEFAULT FALSE,
				created_at {{TS}} NOT NULL,
				updated_at {{TS}} NOT NULL,
				PRIMARY KEY (user_id, offset_tag)
			)`,
			`CREATE TABLE IF NOT EXISTS notifications (
				id {{UUID}} PRIMARY KEY,
				user_id {{UUID}} NOT NULL,
				deadline_id {{UUID}} REFERENCES deadlines (id) ON DELETE CASCADE,
				kind TEXT NOT NULL DEFAULT 'reminder',
				period TEXT NOT NULL DEFAULT '',
				offset_tag TEXT NOT NULL DEFAULT '',
				channel TEXT NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				recipient TEXT NOT NULL DEFAULT '',
				scheduled_for {{TS}} NOT NULL,
				sent_at {{TS}},
				status TEXT NOT NULL,
				failure_detail TEXT NOT NULL DEFAULT '',
				retryable {{BOOL}} NOT NULL DEFAULT FALSE,
				retry_count INTEGER NOT NULL DEFAULT 0,
				next_retry_at {{TS}},
				provider_message_id TEXT NOT NULL DEFAULT '',
				created_at {{TS}} NOT NULL,
				updated_at {{TS}} NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_claim ON notifications (deadline_id, offset_tag, channel)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_digest ON notifications (user_id, kind, period, channel)
				WHERE deadline_id IS NULL`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_provider ON notifications (provider_message_id)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications (status, updated_at)`,
			`CREATE TABLE IF NOT EXISTS contacts (
				user_id {{UUID}} PRIMARY KEY,
				email TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				whatsapp TEXT NOT NULL DEFAULT '',
				push_subscription TEXT NOT NULL DEFAULT '',
				updated_at {{TS}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS digest_settings (
				user_id {{UUID}} PRIMARY KEY,
				daily_summary {{BOOL}} NOT NULL DEFAULT FALSE,
				summary_time TEXT NOT NULL DEFAULT '09:00',
				overdue_alerts {{BOOL}} NOT NULL DEFAULT FALSE,
				channel TEXT NOT NULL DEFAULT 'email',
				updated_at {{TS}} NOT NULL
			)`,
		},
	},
}

// Migrate applies every migration newer than the recorded schema version.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	dialect, ok := dialects[db.DriverName()]
	if !ok {
		return fmt.Errorf("no schema for driver %q", db.DriverName())
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, dialect.Replace(stmt)); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}
