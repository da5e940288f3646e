package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/deadline-sync/internal/config"
	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/internal/repository/sqlstore"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
	"github.com/jwalitptl/deadline-sync/pkg/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Database.Driver = sqlstore.DriverSQLite
	cfg.Database.Path = "file::memory:"
	cfg.Redis.URL = ""
	cfg.Secrets.CredentialSecret = "test-secret"
	return cfg
}

func channels(cfg *config.Config) []model.Channel {
	var out []model.Channel
	for _, s := range Senders(cfg, logger.Nop()) {
		out = append(out, s.Channel())
	}
	return out
}

func TestSenders(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, []model.Channel{model.ChannelEmail}, channels(cfg))

	cfg.Notification.EmailProvider = "sendgrid"
	assert.Empty(t, channels(cfg), "sendgrid without a key")

	cfg.Secrets.SendGridAPIKey = "SG.key"
	cfg.Secrets.TwilioAccountSID = "AC123"
	cfg.Secrets.TwilioAuthToken = "token"
	cfg.Notification.TwilioSMSFrom = "+15005550006"
	assert.Equal(t, []model.Channel{model.ChannelEmail, model.ChannelSMS}, channels(cfg))

	cfg.Notification.EmailProvider = "none"
	cfg.Notification.TwilioWhatsAppFrom = "+14155238886"
	cfg.Secrets.VAPIDPublicKey = "pub"
	cfg.Secrets.VAPIDPrivateKey = "priv"
	assert.Equal(t, []model.Channel{model.ChannelSMS, model.ChannelWhatsApp, model.ChannelPush}, channels(cfg))
}

func TestNewRequiresCredentialSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Secrets.CredentialSecret = ""
	_, err := New(context.Background(), cfg, logger.Nop(), metrics.New("test"))
	assert.Error(t, err)
}

func TestAppServesAndRunsJobs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), logger.Nop(), metrics.New("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	engine := a.Router().Engine()
	for path, want := range map[string]int{
		"/health/live":                     http.StatusOK,
		"/health/ready":                    http.StatusOK,
		"/metrics":                         http.StatusOK,
		"/api/v1/users/not-a-uuid/portals": http.StatusBadRequest,
	} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}

	w := httptest.NewRecorder()
	a.HealthRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	runner := worker.NewRunner(logger.Nop(), a.Metrics, a.Jobs()...)
	for _, name := range []string{JobSyncAll, JobReminderTick, JobMaintenance, JobDailySummary, JobOverdueAlerts} {
		ran, err := runner.RunNow(ctx, name)
		assert.True(t, ran, name)
		assert.NoError(t, err, name)
	}
}
