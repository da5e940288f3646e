package handler

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// RespondError writes err as an error response and attaches it to the
// context so the error middleware logs it. Server errors never leak their
// cause to the client.
func RespondError(c *gin.Context, err error) {
	_ = c.Error(err)

	status := apperrors.HTTPStatus(err)
	msg := err.Error()
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		msg = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		msg = "internal server error"
	}
	c.JSON(status, NewErrorResponse(msg))
}
