package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct {
	err error
}

func (p *stubPinger) Ping(ctx context.Context) error { return p.err }

func performRequest(h gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)
	h(c)
	return w
}

func TestLiveness(t *testing.T) {
	h := NewHandler(nil, &stubPinger{})
	w := performRequest(h.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadinessHealthy(t *testing.T) {
	// No Redis configured means single-instance mode, which is healthy.
	h := NewHandler(nil, &stubPinger{})
	w := performRequest(h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["redis"])
	assert.Equal(t, "healthy", resp.Checks["postgres"])
}

func TestReadinessDatabaseDown(t *testing.T) {
	h := NewHandler(nil, &stubPinger{err: errors.New("connection refused")})
	w := performRequest(h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["postgres"])
}

func TestReadinessMissingDatabase(t *testing.T) {
	h := NewHandler(nil, nil)
	w := performRequest(h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
