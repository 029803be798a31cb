package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialhub-backend/pkg/jwt"
)

type revocationStub struct {
	revoked map[string]bool
	err     error
}

func (s revocationStub) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	return s.revoked[tokenID], s.err
}

func newAuthRouter(manager *jwt.JWTManager, revocation RevocationChecker, localID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(manager, revocation, localID))
	r.GET("/me", func(c *gin.Context) {
		id, _ := UserID(c)
		c.String(http.StatusOK, id.String())
	})
	return r
}

func serve(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", time.Minute)
	localID := uuid.New()

	token, err := manager.GenerateAccessToken(localID, "a@example.com", "alice", "user")
	require.NoError(t, err)
	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)

	other, err := manager.GenerateAccessToken(uuid.New(), "b@example.com", "bob", "user")
	require.NoError(t, err)

	tests := []struct {
		name       string
		revocation RevocationChecker
		header     string
		want       int
	}{
		{"valid token", nil, "Bearer " + token, http.StatusOK},
		{"missing header", nil, "", http.StatusUnauthorized},
		{"wrong scheme", nil, "Basic " + token, http.StatusUnauthorized},
		{"garbage token", nil, "Bearer nope", http.StatusUnauthorized},
		{"another user", nil, "Bearer " + other, http.StatusForbidden},
		{"revoked", revocationStub{revoked: map[string]bool{claims.ID: true}}, "Bearer " + token, http.StatusUnauthorized},
		{"revocation store down", revocationStub{err: errors.New("redis down")}, "Bearer " + token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newAuthRouter(manager, tt.revocation, localID), tt.header)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, localID.String(), w.Body.String())
			}
		})
	}
}
