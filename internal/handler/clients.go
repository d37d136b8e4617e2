package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"deskrelay/internal/app"
)

type ClientsHandler struct {
	App *app.App
}

type disconnectBody struct {
	Message string `json:"message"`
}

func (h *ClientsHandler) List(c *gin.Context) {
	sessions := h.App.Registry.List()
	clients := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		clients = append(clients, gin.H{
			"sessionId":      s.ID,
			"authenticated":  s.Authenticated,
			"username":       s.Username,
			"device":         s.Device,
			"remoteAddr":     s.RemoteAddr,
			"connectedAt":    s.ConnectedAt,
			"lastActivityAt": s.LastActivityAt,
			"streaming":      s.StreamingSubscribed,
		})
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

func (h *ClientsHandler) Disconnect(c *gin.Context) {
	var body disconnectBody
	_ = c.ShouldBindJSON(&body)

	if !h.App.ForceDisconnect(c.Param("id"), body.Message) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Client not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
