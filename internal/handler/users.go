package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"deskrelay/internal/model"
	"deskrelay/internal/relaerr"
	"deskrelay/internal/userstore"
)

type UsersHandler struct {
	Users *userstore.Store
}

type createUserBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type updateUserBody struct {
	Password *string `json:"password"`
	Role     *string `json:"role"`
	Active   *bool   `json:"active"`
}

// storeStatus maps credential-store failures onto HTTP codes.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, relaerr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, relaerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relaerr.ErrDuplicate), errors.Is(err, relaerr.ErrLastAdmin):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *UsersHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.Users.ListUsers()})
}

func (h *UsersHandler) Create(c *gin.Context) {
	var body createUserBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	role := model.Role(body.Role)
	if body.Role == "" {
		role = model.RoleUser
	}
	user, err := h.Users.AddUser(body.Username, body.Password, role)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user})
}

func (h *UsersHandler) Update(c *gin.Context) {
	var body updateUserBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	patch := userstore.Patch{
		Password: body.Password,
		Active:   body.Active,
	}
	if body.Role != nil {
		role := model.Role(*body.Role)
		patch.Role = &role
	}

	user, err := h.Users.UpdateUser(c.Param("id"), patch)
	if err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *UsersHandler) Delete(c *gin.Context) {
	if err := h.Users.DeleteUser(c.Param("id")); err != nil {
		c.JSON(storeStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
