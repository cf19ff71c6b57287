package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all healthy", map[string]bool{ComponentStorage: true, ComponentAPI: true}, "healthy"},
		{"registry down degrades", map[string]bool{ComponentStorage: true, ComponentRegistry: false}, "degraded"},
		{"storage down", map[string]bool{ComponentStorage: false, ComponentRegistry: false}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			for name, healthy := range tt.components {
				UpdateComponent(name, healthy, "msg")
			}
			assert.Equal(t, tt.want, GetHealth().Status)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth()
	r := GetReadiness()
	assert.Equal(t, "not_ready", r.Status)
	assert.Equal(t, "not registered", r.Components[ComponentStorage])

	UpdateComponent(ComponentStorage, true, "")
	UpdateComponent(ComponentAPI, true, "")
	assert.Equal(t, "ready", GetReadiness().Status)

	SetCriticalComponents(ComponentStorage, ComponentAPI, ComponentRequestLog)
	assert.Equal(t, "not_ready", GetReadiness().Status)
}

func TestHealthHandlers(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")
	UpdateComponent(ComponentStorage, false, "closed")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, "unhealthy: closed", body.Components[ComponentStorage])

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
