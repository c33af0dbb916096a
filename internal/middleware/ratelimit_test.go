package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimit_PerUser(t *testing.T) {
	h := RateLimit(2, 90*time.Second)(identityEcho())

	call := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/presence", nil)
		req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: user}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, call("alice").Code)
	require.Equal(t, http.StatusOK, call("alice").Code)

	limited := call("alice")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "90", limited.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","retry_after":90}`, limited.Body.String())

	assert.Equal(t, http.StatusOK, call("bob").Code, "limits are per caller")
}
