package http

import (
	"net/http"

	"watchparty/internal/core/domain"
	apperrors "watchparty/pkg/errors"
	"watchparty/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler resolves room entry links for clients.
type RoomHandler struct {
	signalURL string
	apiURL    string
}

func NewRoomHandler(signalURL, apiURL string) *RoomHandler {
	return &RoomHandler{signalURL: signalURL, apiURL: apiURL}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/room/:roomCode", h.GetRoom)
}

type RoomResponse struct {
	RoomCode  domain.RoomID `json:"room_code"`
	Role      domain.Role   `json:"role"`
	Author    string        `json:"author"`
	Path      string        `json:"path"`
	SignalURL string        `json:"signal_url"`
	APIURL    string        `json:"api_url"`
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	code := c.Param("roomCode")
	if err := validation.ValidateRoomCode(code); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	entry := domain.RoomEntry{
		Code: domain.RoomID(code),
		Role: domain.ParseRole(c.Query("role")),
	}
	c.JSON(http.StatusOK, RoomResponse{
		RoomCode:  entry.Code,
		Role:      entry.Role,
		Author:    entry.Role.Author(),
		Path:      entry.Path(),
		SignalURL: h.signalURL,
		APIURL:    h.apiURL,
	})
}
