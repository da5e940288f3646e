package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
)

type contactRepository struct {
	BaseRepository
}

func NewContactRepository(base BaseRepository) repository.ContactRepository {
	return &contactRepository{base}
}

type contactRow struct {
	model.Contact
	PushText string `db:"push_subscription"`
}

func (r *contactRepository) Upsert(ctx context.Context, c *model.Contact) error {
	c.UpdatedAt = ts(time.Now())
	_, err := r.exec(ctx, "contact.upsert", `
		INSERT INTO contacts (user_id, email, phone, whatsapp, push_subscription, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			email = excluded.email,
			phone = excluded.phone,
			whatsapp = excluded.whatsapp,
			push_subscription = excluded.push_subscription,
			updated_at = excluded.updated_at`,
		c.UserID, c.Email, c.Phone, c.WhatsApp, string(c.PushSubscription), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

func (r *contactRepository) Get(ctx context.Context, userID uuid.UUID) (*model.Contact, error) {
	var row contactRow
	err := r.get(ctx, "contact.get", &row, `
		SELECT user_id, email, phone, whatsapp, push_subscription, updated_at
		FROM contacts WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get contact %s: %w", userID, err)
	}
	c := row.Contact
	if row.PushText != "" {
		c.PushSubscription = json.RawMessage(row.PushText)
	}
	return &c, nil
}
