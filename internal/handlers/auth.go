package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pushi/pkg/auth"
	"pushi/pkg/config"
)

const (
	ctxRole  = "auth_role"
	ctxAppID = "auth_app_id"

	roleAdmin = "admin"
	roleApp   = "app"
)

// HandleLogin exchanges admin credentials for a short lived JWT. The admin
// identity comes from ADMIN_USERNAME plus either ADMIN_PASSWORD_HASH
// (bcrypt) or plain ADMIN_PASSWORD.
func (h *Handlers) HandleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password required"})
		return
	}

	if !h.checkAdmin(req.Username, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := auth.GenerateJWT(req.Username, roleAdmin, h.jwtSecret)
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate JWT")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handlers) checkAdmin(username, password string) bool {
	expected := config.GetEnv("ADMIN_USERNAME", "")
	if expected == "" || subtle.ConstantTimeCompare([]byte(username), []byte(expected)) != 1 {
		return false
	}
	if hash := config.GetEnv("ADMIN_PASSWORD_HASH", ""); hash != "" {
		return auth.CheckPassword(password, hash)
	}
	plain := config.GetEnv("ADMIN_PASSWORD", "")
	return plain != "" && subtle.ConstantTimeCompare([]byte(password), []byte(plain)) == 1
}

// Authenticated admits either an admin JWT bearer token or exact app
// credentials in the X-Pushi-App-* headers.
func (h *Handlers) Authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			claims, err := auth.ValidateJWT(strings.TrimPrefix(header, "Bearer "), h.jwtSecret)
			if err != nil || claims.Role != roleAdmin {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
				return
			}
			c.Set(ctxRole, roleAdmin)
			c.Next()
			return
		}

		appID := c.GetHeader("X-Pushi-App-Id")
		appKey := c.GetHeader("X-Pushi-App-Key")
		appSecret := c.GetHeader("X-Pushi-App-Secret")
		if appID != "" && appKey != "" && appSecret != "" {
			app, err := h.repo.AppByID(c.Request.Context(), appID)
			if err == nil &&
				subtle.ConstantTimeCompare([]byte(app.Key), []byte(appKey)) == 1 &&
				subtle.ConstantTimeCompare([]byte(app.Secret), []byte(appSecret)) == 1 {
				c.Set(ctxRole, roleApp)
				c.Set(ctxAppID, appID)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
	}
}

// RequireAdmin rejects app-credential callers.
func (h *Handlers) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ctxRole) != roleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}

// authorizeApp checks that the caller may operate on the app named in the
// path: admins always, app-credential callers only on their own app.
func (h *Handlers) authorizeApp(c *gin.Context, appID string) bool {
	if c.GetString(ctxRole) == roleAdmin {
		return true
	}
	if c.GetString(ctxAppID) == appID {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "App mismatch"})
	return false
}

func (h *Handlers) isAdmin(c *gin.Context) bool {
	return c.GetString(ctxRole) == roleAdmin
}
