// Package trigger exposes the on-demand entry points for work the job
// runner otherwise does on a schedule.
package trigger

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/deadline-sync/internal/handler"
	"github.com/jwalitptl/deadline-sync/internal/service/digest"
	"github.com/jwalitptl/deadline-sync/internal/service/portalsync"
	"github.com/jwalitptl/deadline-sync/internal/service/reminder"
)

// Digester runs the daily summary and overdue alert passes.
type Digester interface {
	RunDailySummaries(ctx context.Context, now time.Time) (*digest.Result, error)
	RunOverdueAlerts(ctx context.Context, now time.Time) (*digest.Result, error)
}

type Handler struct {
	syncer   portalsync.Syncer
	ticker   reminder.Ticker
	digester Digester
	now      func() time.Time
}

func NewHandler(syncer portalsync.Syncer, ticker reminder.Ticker, digester Digester) *Handler {
	return &Handler{syncer: syncer, ticker: ticker, digester: digester, now: time.Now}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/portals/sync", h.SyncAll)
	r.POST("/portals/:id/sync", h.SyncPortal)
	r.POST("/users/:user_id/portals/sync", h.SyncUser)
	r.POST("/reminders/tick", h.ReminderTick)
	r.POST("/digests/daily-summary", h.DailySummaries)
	r.POST("/digests/overdue-alerts", h.OverdueAlerts)
}

// SyncPortal runs one sync and reports its Result. Upstream failures and a
// held lock are reported in the Result, not as an error status.
func (h *Handler) SyncPortal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid portal ID"))
		return
	}

	res, err := h.syncer.SyncPortal(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(res))
}

func (h *Handler) SyncAll(c *gin.Context) {
	res, err := h.syncer.SyncAll(c.Request.Context())
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(res))
}

// SyncUser syncs all of a user's active portals now, ignoring the minimum
// interval between scheduled syncs.
func (h *Handler) SyncUser(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid user ID"))
		return
	}

	res, err := h.syncer.SyncUser(c.Request.Context(), userID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(res))
}

func (h *Handler) ReminderTick(c *gin.Context) {
	res, err := h.ticker.RunTick(c.Request.Context(), h.now())
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(res))
}

func (h *Handler) DailySummaries(c *gin.Context) {
	res, err := h.digester.RunDailySummaries(c.Request.Context(), h.now())
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(res))
}

func (h *Handler) OverdueAlerts(c *gin.Context) {
	res, err := h.digester.RunOverdueAlerts(c.Request.Context(), h.now())
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(res))
}
