package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"deskrelay/internal/app"
)

type RelayHandler struct {
	App *app.App
}

func (h *RelayHandler) Status(c *gin.Context) {
	running, ip, port, clients := h.App.RelayStatus()
	c.JSON(http.StatusOK, gin.H{
		"running":     running,
		"ip":          ip,
		"port":        port,
		"clientCount": clients,
	})
}

func (h *RelayHandler) Start(c *gin.Context) {
	if err := h.App.StartRelay(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	running, ip, port, clients := h.App.RelayStatus()
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"running":     running,
		"ip":          ip,
		"port":        port,
		"clientCount": clients,
	})
}

func (h *RelayHandler) Stop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.App.StopRelay(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "running": false})
}
