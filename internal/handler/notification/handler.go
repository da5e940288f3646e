package notification

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/deadline-sync/internal/handler"
	"github.com/jwalitptl/deadline-sync/internal/model"
)

type StatusUpdater interface {
	UpdateDeliveryStatus(ctx context.Context, providerMessageID, providerStatus string) (*model.Notification, error)
}

type Handler struct {
	updater StatusUpdater
}

func NewHandler(updater StatusUpdater) *Handler {
	return &Handler{updater: updater}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/status", h.DeliveryStatus)
}

// statusCallback carries the fields of a Twilio status callback. Other
// providers post the same two fields.
type statusCallback struct {
	MessageSid    string `form:"MessageSid" binding:"required"`
	MessageStatus string `form:"MessageStatus" binding:"required"`
}

func (h *Handler) DeliveryStatus(c *gin.Context) {
	var req statusCallback
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	n, err := h.updater.UpdateDeliveryStatus(c.Request.Context(), req.MessageSid, req.MessageStatus)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(n))
}
