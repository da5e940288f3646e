package portalsync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
)

// StalePolicy decides what happens to stored deadlines that a complete
// fetch no longer returned.
type StalePolicy interface {
	Apply(ctx context.Context, p *model.Portal, missing []*model.Deadline, now time.Time) error
}

// FlagMissing stamps missing_since on deadlines that vanished upstream and
// leaves everything else about them alone.
type FlagMissing struct {
	Deadlines repository.DeadlineRepository
}

func (f FlagMissing) Apply(ctx context.Context, _ *model.Portal, missing []*model.Deadline, now time.Time) error {
	var ids []uuid.UUID
	for _, d := range missing {
		if d.MissingSince == nil {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return f.Deadlines.SetMissingSince(ctx, ids, &now)
}

// KeepMissing ignores vanished deadlines.
type KeepMissing struct{}

func (KeepMissing) Apply(context.Context, *model.Portal, []*model.Deadline, time.Time) error {
	return nil
}
