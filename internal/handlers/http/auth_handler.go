package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"watchparty/internal/core/services"
	apperrors "watchparty/pkg/errors"
	"watchparty/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	APIKey string `json:"api_key" binding:"required,max=256"`
	Author string `json:"author" binding:"required,oneof=Creator Viewer"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Author    string    `json:"author"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format").WithContext("reason", err.Error()))
		return
	}

	req.Author = strings.TrimSpace(req.Author)
	if err := validation.ValidateAuthor(req.Author); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	token, expiresAt, err := h.authService.IssueToken(req.APIKey, req.Author)
	if err != nil {
		if errors.Is(err, services.ErrInvalidAPIKey) {
			c.Error(apperrors.NewUnauthorizedError("invalid api key"))
			return
		}
		c.Error(apperrors.NewInternalError("failed to issue token").WithCause(err))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Author:    req.Author,
	})
}
