package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"deskrelay/internal/app"
	"deskrelay/internal/model"
)

type CaptureHandler struct {
	App *app.App
}

func (h *CaptureHandler) GetArea(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"area": h.App.Settings.Current().CaptureArea})
}

func (h *CaptureHandler) PutArea(c *gin.Context) {
	var area model.CaptureArea
	if err := c.ShouldBindJSON(&area); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if area.Width <= 0 || area.Height <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Area dimensions must be positive"})
		return
	}

	if err := h.App.UpdateCaptureArea(area); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "area": area})
}

func (h *CaptureHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settings": h.App.Settings.Current().Capture})
}

func (h *CaptureHandler) PutSettings(c *gin.Context) {
	var s model.CaptureSettings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if s.Quality < 1 || s.Quality > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Quality must be between 1 and 100"})
		return
	}
	if s.IntervalMs < 0 || s.MaxFps < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Interval and max fps must not be negative"})
		return
	}

	if err := h.App.UpdateCaptureSettings(s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "settings": s})
}
