package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgellert/hodatay-chatsync/internal/config"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
)

func TestGetConfig_HidesSecrets(t *testing.T) {
	cfg := config.Config{
		Env:     "local",
		API:     config.APIConfig{BaseURL: "http://localhost:8082", Timeout: 10 * time.Second},
		Sync:    config.SyncConfig{PageSize: 50},
		Session: config.SessionConfig{UserID: 7, Token: "secret"},
	}

	rec := httptest.NewRecorder()
	New(cfg, sl.Discard()).GetConfig()(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotContains(t, rec.Body.String(), "secret")

	var body struct {
		Env    string         `json:"env"`
		Config map[string]any `json:"config"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "local", body.Env)
	assert.Contains(t, body.Config, "api")
	assert.Contains(t, body.Config, "sync")
	assert.NotContains(t, body.Config, "session")
	assert.Equal(t, "http://localhost:8082", body.Config["api"].(map[string]any)["base_url"])
}
