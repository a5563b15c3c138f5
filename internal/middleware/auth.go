package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"remedy/internal/config"

	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware.
const (
	ContextActor       = "actor"
	ContextRoles       = "roles"
	ContextPermissions = "permissions"
)

// validateHS256JWT 校验 HS256 签名与 exp/nbf/iat，返回 claims
func validateHS256JWT(token, secret string, now time.Time) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}
	headerB64, payloadB64, sigB64 := parts[0], parts[1], parts[2]

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return nil, errors.New("invalid header encoding")
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.New("invalid header json")
	}
	if alg, _ := header["alg"].(string); alg != "HS256" {
		return nil, errors.New("unsupported alg")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(headerB64 + "." + payloadB64))
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errors.New("invalid signature encoding")
	}
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, errors.New("invalid signature")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, errors.New("invalid payload encoding")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, errors.New("invalid payload json")
	}

	nowSec := now.Unix()
	checks := []struct {
		claim string
		ok    func(int64) bool
	}{
		{"nbf", func(sec int64) bool { return nowSec >= sec }},
		{"iat", func(sec int64) bool { return nowSec >= sec }},
		{"exp", func(sec int64) bool { return nowSec < sec }},
	}
	for _, c := range checks {
		if v, ok := payload[c.claim].(float64); ok && !c.ok(int64(v)) {
			return nil, fmt.Errorf("token time constraint failed: %s", c.claim)
		}
	}
	return payload, nil
}

// SignHS256 签发 HS256 令牌，供 CLI 与测试使用
func SignHS256(claims map[string]interface{}, secret string) (string, error) {
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signing))
	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// AuthMiddleware 校验 Bearer JWT，注入 actor / roles / permissions
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	var rbac config.RBACConfig
	if cfg != nil {
		secret = cfg.JWT.Secret
		rbac = cfg.Security.RBAC
	}
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		if secret == "" {
			abortUnauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := validateHS256JWT(token, secret, time.Now())
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		actor := actorFromClaims(claims)
		if actor == "" {
			abortUnauthorized(c, "token has no subject")
			return
		}
		c.Set(ContextActor, actor)

		roles := normalizeStringList(claims["roles"])
		if len(roles) > 0 {
			c.Set(ContextRoles, roles)
		}

		perms := normalizeStringList(firstNonNil(claims["perms"], claims["permissions"]))
		if rbac.Enabled {
			for _, role := range roles {
				for _, p := range rbac.Roles[role] {
					if s := strings.TrimSpace(p); s != "" {
						perms = append(perms, s)
					}
				}
			}
		} else {
			perms = append(perms, defaultRolePermissions(roles)...)
		}
		if perms = dedupeStrings(perms); len(perms) > 0 {
			c.Set(ContextPermissions, perms)
		}
		c.Next()
	}
}

// bearerToken 取 Authorization 头；浏览器 websocket 握手无法带头，允许 access_token 查询参数
func bearerToken(c *gin.Context) string {
	ah := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[len("Bearer "):])
	}
	if c.IsWebsocket() {
		return strings.TrimSpace(c.Query("access_token"))
	}
	return ""
}

// defaultRolePermissions 未启用 RBAC 配置时的内置角色
func defaultRolePermissions(roles []string) []string {
	var perms []string
	for _, role := range roles {
		switch role {
		case "admin":
			perms = append(perms, "*")
		case "approver":
			perms = append(perms, "tickets.read", "approvals.*", "audit.read", "policies.read")
		case "agent":
			perms = append(perms, "tickets.*", "approvals.read", "audit.read", "policies.read")
		case "requester":
			perms = append(perms, "tickets.read", "tickets.write")
		}
	}
	return perms
}

// actorFromClaims prefers email, then sub, then a numeric user_id.
func actorFromClaims(claims map[string]interface{}) string {
	for _, key := range []string{"email", "sub"} {
		if s, ok := claims[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	if v, ok := claims["user_id"].(float64); ok {
		return fmt.Sprintf("user:%d", int64(v))
	}
	return ""
}

// Actor returns the authenticated caller recorded by AuthMiddleware.
func Actor(c *gin.Context) string {
	return c.GetString(ContextActor)
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}

func firstNonNil(vals ...interface{}) interface{} {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func normalizeStringList(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return dedupeStrings(t)
	case []interface{}:
		var out []string
		for _, it := range t {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return dedupeStrings(out)
	case string:
		return dedupeStrings(strings.Split(t, ","))
	default:
		return nil
	}
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
