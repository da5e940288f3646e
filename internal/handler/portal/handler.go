package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/handler"
	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/internal/scraper"
	"github.com/jwalitptl/deadline-sync/internal/service/portalsync"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

// ReminderDefaults gives a new user a reminder configuration.
type ReminderDefaults interface {
	EnsureDefaults(ctx context.Context, userID uuid.UUID) error
}

type Handler struct {
	portals   repository.PortalRepository
	adapters  portalsync.Resolver
	reminders ReminderDefaults
}

func NewHandler(portals repository.PortalRepository, adapters portalsync.Resolver, reminders ReminderDefaults) *Handler {
	return &Handler{portals: portals, adapters: adapters, reminders: reminders}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	portals := r.Group("/portals")
	{
		portals.POST("", h.CreatePortal)
		portals.GET("/:id", h.GetPortal)
	}
	r.GET("/users/:user_id/portals", h.ListUserPortals)
}

type createPortalRequest struct {
	UserID      string          `json:"user_id" binding:"required,uuid"`
	PortalType  string          `json:"portal_type" binding:"required"`
	Name        string          `json:"name" binding:"required,max=255"`
	BaseURL     string          `json:"base_url" binding:"omitempty,url"`
	Credentials json.RawMessage `json:"credentials" binding:"required"`
	Config      json.RawMessage `json:"config"`
}

// CreatePortal stores a portal after its adapter accepted the credentials
// and config. The owner gets the default reminder configuration if they
// have none yet.
func (h *Handler) CreatePortal(c *gin.Context) {
	var req createPortalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}
	userID := uuid.MustParse(req.UserID)

	p := &model.Portal{
		UserID:      userID,
		Type:        model.PortalType(req.PortalType),
		Name:        req.Name,
		BaseURL:     req.BaseURL,
		Credentials: req.Credentials,
		Config:      req.Config,
		Active:      true,
	}
	if len(p.Config) == 0 {
		p.Config = json.RawMessage(`{}`)
	}

	adapter, err := h.adapters.Resolve(p.Type)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if err := adapter.ValidateConfig(scraper.SettingsFromPortal(p)); err != nil {
		handler.RespondError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.portals.Create(ctx, p); err != nil {
		handler.RespondError(c, err)
		return
	}
	if err := h.reminders.EnsureDefaults(ctx, userID); err != nil {
		handler.RespondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(p))
}

func (h *Handler) GetPortal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid portal ID"))
		return
	}

	p, err := h.portals.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = apperrors.NotFound("portal", err)
		}
		handler.RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(p))
}

func (h *Handler) ListUserPortals(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid user ID"))
		return
	}

	portals, err := h.portals.ListByUser(c.Request.Context(), userID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if portals == nil {
		portals = []*model.Portal{}
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(portals))
}
