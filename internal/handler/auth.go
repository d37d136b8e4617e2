package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"deskrelay/internal/auth"
	"deskrelay/internal/middleware"
	"deskrelay/internal/model"
	"deskrelay/internal/userstore"
)

type AuthHandler struct {
	Users       *userstore.Store
	TokenConfig auth.TokenConfig

	// LoginLimiter is the limiter installed in front of the route; a
	// successful login clears the caller's window.
	LoginLimiter *middleware.RateLimiter
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates a management-shell administrator and issues a
// bearer token. Failures are deliberately indistinct.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Username == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if !h.Users.Authenticate(body.Username, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	user, ok := h.Users.Get(body.Username)
	if !ok || user.Role != model.RoleAdmin {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := auth.CreateToken(user.ID, string(user.Role), h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	h.Users.StampLastLogin(user.ID)
	if h.LoginLimiter != nil {
		h.LoginLimiter.Reset(c.ClientIP())
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"token":     token,
		"username":  user.ID,
		"timestamp": time.Now().UnixMilli(),
	})
}
