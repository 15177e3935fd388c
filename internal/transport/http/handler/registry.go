package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schedulezero/schedulezero/internal/registry"
)

type RegistryHandler struct {
	registry *registry.Registry
}

func NewRegistryHandler(reg *registry.Registry) *RegistryHandler {
	return &RegistryHandler{registry: reg}
}

type handlerEntryResponse struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	Methods  []string  `json:"methods"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

func (h *RegistryHandler) List(ctx *gin.Context) {
	entries := h.registry.List()
	items := make([]handlerEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = handlerEntryResponse{
			ID:       e.ID,
			Address:  e.Address,
			Methods:  e.Methods,
			Status:   string(e.Status),
			LastSeen: e.LastSeen,
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"handlers": items})
}
