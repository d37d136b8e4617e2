package server

import (
	"github.com/gin-gonic/gin"

	"deskrelay/internal/app"
	"deskrelay/internal/handler"
	"deskrelay/internal/middleware"
)

// NewRouter builds the management API. Everything under /v1 except the
// login endpoint requires an admin bearer token.
func NewRouter(a *app.App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	s := a.Settings.Current()
	loginLimiter := middleware.NewRateLimiter(s.Security.MaxLoginAttempts, s.Security.Window())
	authHandler := &handler.AuthHandler{Users: a.Users, TokenConfig: a.TokenConfig, LoginLimiter: loginLimiter}
	r.POST("/v1/admin/login", middleware.RateLimitMiddleware(loginLimiter), authHandler.Login)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAdmin(a.TokenConfig))

	usersHandler := &handler.UsersHandler{Users: a.Users}
	protected.GET("/users", usersHandler.List)
	protected.POST("/users", usersHandler.Create)
	protected.PUT("/users/:id", usersHandler.Update)
	protected.DELETE("/users/:id", usersHandler.Delete)

	relayHandler := &handler.RelayHandler{App: a}
	protected.GET("/server/status", relayHandler.Status)
	protected.POST("/server/start", relayHandler.Start)
	protected.POST("/server/stop", relayHandler.Stop)

	clientsHandler := &handler.ClientsHandler{App: a}
	protected.GET("/clients", clientsHandler.List)
	protected.POST("/clients/:id/disconnect", clientsHandler.Disconnect)

	captureHandler := &handler.CaptureHandler{App: a}
	protected.GET("/capture/area", captureHandler.GetArea)
	protected.PUT("/capture/area", captureHandler.PutArea)
	protected.GET("/capture/settings", captureHandler.GetSettings)
	protected.PUT("/capture/settings", captureHandler.PutSettings)

	feedHandler := &handler.FeedHandler{Feed: a.Feed}
	protected.GET("/feed/ws", feedHandler.Serve)

	return r
}
