package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HasPermission reports whether required is covered by granted.
// "*" matches everything, "resource.*" matches "resource.<anything>".
func HasPermission(granted []string, required string) bool {
	required = strings.TrimSpace(required)
	if required == "" {
		return true
	}
	for _, p := range granted {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
			continue
		case p == "*", p == required:
			return true
		case strings.HasSuffix(p, ".*"):
			prefix := strings.TrimSuffix(p, ".*")
			if prefix != "" && (required == prefix || strings.HasPrefix(required, prefix+".")) {
				return true
			}
		}
	}
	return false
}

func grantedPermissions(c *gin.Context) []string {
	if v, ok := c.Get(ContextPermissions); ok {
		if perms, ok := v.([]string); ok {
			return perms
		}
	}
	return nil
}

// RequirePermissionsAny 至少具备其中一个权限
func RequirePermissionsAny(required ...string) gin.HandlerFunc {
	req := make([]string, 0, len(required))
	for _, r := range required {
		if s := strings.TrimSpace(r); s != "" {
			req = append(req, s)
		}
	}
	return func(c *gin.Context) {
		granted := grantedPermissions(c)
		for _, r := range req {
			if HasPermission(granted, r) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient permission",
		})
	}
}

// RequireResourcePermission enforces "<resource>.read" for safe methods and "<resource>.write" otherwise.
func RequireResourcePermission(resource string) gin.HandlerFunc {
	resource = strings.TrimSpace(resource)
	return func(c *gin.Context) {
		perm := resource + ".write"
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			perm = resource + ".read"
		}
		RequirePermissionsAny(perm)(c)
	}
}
