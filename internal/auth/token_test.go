package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T, secret string) *Issuer {
	t.Helper()
	i, err := NewIssuer(secret, "", time.Hour)
	require.NoError(t, err)
	return i
}

func TestIssueAndVerify(t *testing.T) {
	i := newTestIssuer(t, "test-secret")
	token, err := i.Issue("alice")
	require.NoError(t, err)

	claims, err := i.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, DefaultIssuer, claims.Issuer)

	user, err := i.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestVerifyRejects(t *testing.T) {
	i := newTestIssuer(t, "test-secret")
	other := newTestIssuer(t, "other-secret")
	foreign, err := other.Issue("alice")
	require.NoError(t, err)

	expired := newTestIssuer(t, "test-secret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue("alice")
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"expired", old},
		{"unsigned", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := i.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewIssuerNeedsSecret(t *testing.T) {
	_, err := NewIssuer("", "", 0)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestMiddleware(t *testing.T) {
	i := newTestIssuer(t, "test-secret")
	token, err := i.Issue("alice")
	require.NoError(t, err)

	h := i.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserIDFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(user))
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", rec.Body.String())
			}
		})
	}
}
