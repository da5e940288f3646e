package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/deadline-sync/internal/model"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

type mockUpdater struct{ mock.Mock }

func (m *mockUpdater) UpdateDeliveryStatus(ctx context.Context, sid, status string) (*model.Notification, error) {
	args := m.Called(ctx, sid, status)
	n, _ := args.Get(0).(*model.Notification)
	return n, args.Error(1)
}

func callback(t *testing.T, u *mockUpdater, form url.Values) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(u).RegisterRoutes(r.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestDeliveryStatus(t *testing.T) {
	u := &mockUpdater{}
	u.On("UpdateDeliveryStatus", mock.Anything, "SM123", "delivered").
		Return(&model.Notification{ProviderMessageID: "SM123", Status: model.NotificationStatusDelivered}, nil)

	code, body := callback(t, u, url.Values{"MessageSid": {"SM123"}, "MessageStatus": {"delivered"}, "AccountSid": {"AC1"}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "delivered", body["data"].(map[string]interface{})["status"])
	u.AssertExpectations(t)
}

func TestDeliveryStatusErrors(t *testing.T) {
	u := &mockUpdater{}
	u.On("UpdateDeliveryStatus", mock.Anything, "SM404", "sent").Return(nil, apperrors.NotFound("notification", nil))
	u.On("UpdateDeliveryStatus", mock.Anything, "SM1", "exploded").Return(nil, apperrors.BadRequest(`unknown delivery status "exploded"`, nil))

	code, _ := callback(t, u, url.Values{"MessageSid": {"SM404"}, "MessageStatus": {"sent"}})
	assert.Equal(t, http.StatusNotFound, code)

	code, body := callback(t, u, url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"exploded"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, `unknown delivery status "exploded"`, body["message"])

	code, _ = callback(t, u, url.Values{"MessageStatus": {"sent"}})
	assert.Equal(t, http.StatusBadRequest, code)
	u.AssertNumberOfCalls(t, "UpdateDeliveryStatus", 2)
}
