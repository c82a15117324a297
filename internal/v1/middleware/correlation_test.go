package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchparty/server/internal/v1/logging"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(string(logging.CorrelationIDKey)))
	})
	return r
}

func TestCorrelationIDGenerated(t *testing.T) {
	r := newTestRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	header := w.Header().Get(HeaderXCorrelationID)
	require.NotEmpty(t, header)
	assert.Equal(t, header, w.Body.String())
}

func TestCorrelationIDPassthrough(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set(HeaderXCorrelationID, "req-42")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "req-42", w.Body.String())
}
