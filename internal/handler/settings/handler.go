// Package settings serves the per-user reminder preferences, digest
// preferences and contact details the scheduler and dispatcher read.
package settings

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/handler"
	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/internal/sender"
	"github.com/jwalitptl/deadline-sync/internal/service/notification"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
	"github.com/jwalitptl/deadline-sync/pkg/validator"
)

// ContactInvalidator drops a cached contact after it changed.
type ContactInvalidator interface {
	Invalidate(userID uuid.UUID)
}

type Handler struct {
	reminders repository.ReminderRepository
	digests   repository.DigestSettingsRepository
	contacts  repository.ContactRepository
	cache     ContactInvalidator
	validate  validator.Validator
}

func NewHandler(
	reminders repository.ReminderRepository,
	digests repository.DigestSettingsRepository,
	contacts repository.ContactRepository,
	cache ContactInvalidator,
) *Handler {
	return &Handler{reminders: reminders, digests: digests, contacts: contacts, cache: cache, validate: validator.Default()}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	users := r.Group("/users/:user_id")
	{
		users.GET("/reminders", h.ListReminders)
		users.PUT("/reminders", h.ReplaceReminders)
		users.GET("/digest", h.GetDigest)
		users.PUT("/digest", h.UpdateDigest)
		users.PUT("/contact", h.UpdateContact)
	}
}

type reminderRequest struct {
	Offset   string `json:"offset" validate:"required,oneof=1_hour 6_hours 1_day 3_days 1_week"`
	Email    bool   `json:"email"`
	SMS      bool   `json:"sms"`
	WhatsApp bool   `json:"whatsapp"`
	Push     bool   `json:"push"`
}

type replaceRemindersRequest struct {
	Reminders []reminderRequest `json:"reminders" validate:"dive"`
}

type digestRequest struct {
	DailySummary  bool   `json:"daily_summary"`
	SummaryTime   string `json:"summary_time" validate:"omitempty,datetime=15:04"`
	OverdueAlerts bool   `json:"overdue_alerts"`
	Channel       string `json:"channel" validate:"omitempty,oneof=email sms whatsapp push"`
}

type contactRequest struct {
	Email            string          `json:"email" validate:"omitempty,email"`
	Phone            string          `json:"phone" validate:"omitempty,max=32"`
	WhatsApp         string          `json:"whatsapp" validate:"omitempty,max=40"`
	PushSubscription json.RawMessage `json:"push_subscription"`
}

func userIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid user ID"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) ListReminders(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	cfgs, err := h.reminders.ListByUser(c.Request.Context(), userID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if cfgs == nil {
		cfgs = []*model.ReminderConfig{}
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(cfgs))
}

// ReplaceReminders makes the posted list the user's whole configuration.
// Offsets left out are removed.
func (h *Handler) ReplaceReminders(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var req replaceRemindersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	if err := h.validate.Validate(req); err != nil {
		handler.RespondError(c, apperrors.BadRequest(err.Error(), err))
		return
	}

	ctx := c.Request.Context()
	existing, err := h.reminders.ListByUser(ctx, userID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}

	keep := make(map[model.ReminderOffset]bool, len(req.Reminders))
	out := make([]*model.ReminderConfig, 0, len(req.Reminders))
	for _, r := range req.Reminders {
		cfg := &model.ReminderConfig{
			UserID:   userID,
			Offset:   model.ReminderOffset(r.Offset),
			Email:    r.Email,
			SMS:      r.SMS,
			WhatsApp: r.WhatsApp,
			Push:     r.Push,
		}
		if err := h.reminders.Upsert(ctx, cfg); err != nil {
			handler.RespondError(c, err)
			return
		}
		keep[cfg.Offset] = true
		out = append(out, cfg)
	}
	for _, old := range existing {
		if keep[old.Offset] {
			continue
		}
		if err := h.reminders.Delete(ctx, userID, old.Offset); err != nil {
			handler.RespondError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(out))
}

// GetDigest returns the user's digest preferences. A user who never saved
// any gets both digests switched off.
func (h *Handler) GetDigest(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	st, err := h.digests.Get(c.Request.Context(), userID)
	if errors.Is(err, repository.ErrNotFound) {
		st = &model.DigestSettings{UserID: userID, SummaryTime: model.DefaultSummaryTime, Channel: model.ChannelEmail}
	} else if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(st))
}

func (h *Handler) UpdateDigest(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var req digestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	if err := h.validate.Validate(req); err != nil {
		handler.RespondError(c, apperrors.BadRequest(err.Error(), err))
		return
	}

	st := &model.DigestSettings{
		UserID:        userID,
		DailySummary:  req.DailySummary,
		SummaryTime:   req.SummaryTime,
		OverdueAlerts: req.OverdueAlerts,
		Channel:       model.Channel(req.Channel),
	}
	if err := h.digests.Upsert(c.Request.Context(), st); err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(st))
}

// UpdateContact replaces the user's contact details. Phone numbers are
// stored normalized so the dispatcher sees E.164.
func (h *Handler) UpdateContact(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	if err := h.check(&req); err != nil {
		handler.RespondError(c, apperrors.BadRequest(err.Error(), err))
		return
	}

	contact := &model.Contact{
		UserID:           userID,
		Email:            req.Email,
		Phone:            req.Phone,
		WhatsApp:         req.WhatsApp,
		PushSubscription: req.PushSubscription,
	}
	if err := h.contacts.Upsert(c.Request.Context(), contact); err != nil {
		handler.RespondError(c, err)
		return
	}
	h.cache.Invalidate(userID)

	c.JSON(http.StatusOK, handler.NewSuccessResponse(contact))
}

func (h *Handler) check(req *contactRequest) error {
	if err := h.validate.Validate(req); err != nil {
		return err
	}
	phones := []struct {
		field string
		value *string
	}{{"phone", &req.Phone}, {"whatsapp", &req.WhatsApp}}
	for _, p := range phones {
		if *p.value == "" {
			continue
		}
		*p.value = notification.NormalizePhone(*p.value)
		if err := h.validate.ValidateField(p.field, *p.value, "e164"); err != nil {
			return err
		}
	}
	if len(req.PushSubscription) > 0 && string(req.PushSubscription) != "null" {
		if _, err := sender.ParseSubscription(string(req.PushSubscription)); err != nil {
			return err
		}
	} else {
		req.PushSubscription = nil
	}
	return nil
}
