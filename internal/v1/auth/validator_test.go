package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-123"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateTokenSuccess(t *testing.T) {
	v := NewValidator(testSecret)
	tokenString := signToken(t, testSecret, Claims{
		UserID:    42,
		SessionID: "sess-abc",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.ValidateToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "sess-abc", claims.SessionID)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	v := NewValidator(testSecret)
	tokenString := signToken(t, "a-completely-different-secret-456789", Claims{
		UserID:    42,
		SessionID: "sess-abc",
	})

	_, err := v.ValidateToken(tokenString)
	assert.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	v := NewValidator(testSecret)
	tokenString := signToken(t, testSecret, Claims{
		UserID:    42,
		SessionID: "sess-abc",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := v.ValidateToken(tokenString)
	assert.Error(t, err)
}

func TestValidateTokenMissingClaims(t *testing.T) {
	v := NewValidator(testSecret)

	tests := []struct {
		name   string
		claims Claims
	}{
		{name: "no user id", claims: Claims{SessionID: "sess-abc"}},
		{name: "no session id", claims: Claims{UserID: 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(signToken(t, testSecret, tt.claims))
			assert.Error(t, err)
		})
	}
}

func TestValidateTokenRejectsUnsignedAlg(t *testing.T) {
	v := NewValidator(testSecret)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 42, SessionID: "sess-abc"})
	tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(tokenString)
	assert.Error(t, err)
}

func TestValidateTokenGarbage(t *testing.T) {
	v := NewValidator(testSecret)
	_, err := v.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestCookieTokenReadsNamedCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/rooms/ABCD12", nil)
	assert.Empty(t, CookieToken(r, "access_token"))

	r.Header.Set("Cookie", "access_token=tok-123; other=ignored")

	assert.Equal(t, "tok-123", CookieToken(r, "access_token"))
	assert.Empty(t, CookieToken(r, "missing"))
}

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("TEST_ALLOWED_ORIGINS", "")
	defaults := []string{"http://localhost:3000"}
	assert.Equal(t, defaults, GetAllowedOriginsFromEnv("TEST_ALLOWED_ORIGINS", defaults))

	t.Setenv("TEST_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		GetAllowedOriginsFromEnv("TEST_ALLOWED_ORIGINS", defaults))
}
