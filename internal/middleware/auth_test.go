package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remedy/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func newAuthRouter(cfg *config.Config, guards ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(cfg)}, guards...)
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": Actor(c), "permissions": grantedPermissions(c)})
	})
	r.POST("/approvals/:id/approve", handlers...)
	r.GET("/tickets", handlers...)
	return r
}

func bearer(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	tok, err := SignHS256(claims, testSecret)
	require.NoError(t, err)
	return "Bearer " + tok
}

func doRequest(r http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret
	r := newAuthRouter(cfg)
	exp := float64(time.Now().Add(time.Hour).Unix())

	w := doRequest(r, http.MethodGet, "/tickets", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/tickets", "Bearer not.a.token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired := bearer(t, map[string]interface{}{"sub": "jane@corp.example", "exp": float64(time.Now().Add(-time.Minute).Unix())})
	w = doRequest(r, http.MethodGet, "/tickets", expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := SignHS256(map[string]interface{}{"sub": "jane@corp.example"}, "another-secret")
	require.NoError(t, err)
	w = doRequest(r, http.MethodGet, "/tickets", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/tickets", bearer(t, map[string]interface{}{"roles": []string{"agent"}, "exp": exp}))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "token without subject")

	w = doRequest(r, http.MethodGet, "/tickets", bearer(t, map[string]interface{}{"email": "jane@corp.example", "roles": "agent", "exp": exp}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"actor":"jane@corp.example"`)
	assert.Contains(t, w.Body.String(), "tickets.*")
}

func TestRequireResourcePermission(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret
	r := newAuthRouter(cfg, RequireResourcePermission("approvals"))

	agent := bearer(t, map[string]interface{}{"sub": "agent@corp.example", "roles": []string{"agent"}})
	approver := bearer(t, map[string]interface{}{"sub": "boss@corp.example", "roles": []string{"approver"}})

	assert.Equal(t, http.StatusForbidden, doRequest(r, http.MethodPost, "/approvals/1/approve", agent).Code)
	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodPost, "/approvals/1/approve", approver).Code)
}

func TestAuthMiddleware_RBACConfig(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret
	cfg.Security.RBAC = config.RBACConfig{Enabled: true, Roles: map[string][]string{"auditor": {"audit.read"}}}
	r := newAuthRouter(cfg, RequireResourcePermission("tickets"))

	auditor := bearer(t, map[string]interface{}{"sub": "audit@corp.example", "roles": []string{"auditor"}})
	assert.Equal(t, http.StatusForbidden, doRequest(r, http.MethodGet, "/tickets", auditor).Code)

	explicit := bearer(t, map[string]interface{}{"sub": "audit@corp.example", "perms": []string{"tickets.read"}})
	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/tickets", explicit).Code)
}

func TestHasPermission(t *testing.T) {
	assert.True(t, HasPermission([]string{"*"}, "policies.write"))
	assert.True(t, HasPermission([]string{"tickets.*"}, "tickets.write"))
	assert.True(t, HasPermission([]string{"tickets.*"}, "tickets"))
	assert.False(t, HasPermission([]string{"tickets.*"}, "ticketsx.read"))
	assert.False(t, HasPermission([]string{" ", "audit.read"}, "audit.write"))
	assert.True(t, HasPermission(nil, ""))
}

func TestAuthMiddleware_WebsocketQueryToken(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret
	r := newAuthRouter(cfg)
	tok, err := SignHS256(map[string]interface{}{"sub": "ops@corp.example", "roles": []string{"agent"}}, testSecret)
	require.NoError(t, err)

	plain := httptest.NewRequest(http.MethodGet, "/tickets?access_token="+tok, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, plain)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "query token only accepted on upgrade")

	upgrade := httptest.NewRequest(http.MethodGet, "/tickets?access_token="+tok, nil)
	upgrade.Header.Set("Connection", "Upgrade")
	upgrade.Header.Set("Upgrade", "websocket")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, upgrade)
	assert.Equal(t, http.StatusOK, w.Code)
}
