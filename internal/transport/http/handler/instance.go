package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schedulezero/schedulezero/internal/domain"
)

// InstanceView is the bus surface the instances route needs.
type InstanceView interface {
	Instances() []domain.InstanceDescriptor
	Leader() string
}

type InstanceHandler struct {
	bus InstanceView
}

func NewInstanceHandler(bus InstanceView) *InstanceHandler {
	return &InstanceHandler{bus: bus}
}

type instanceResponse struct {
	InstanceID      string    `json:"instance_id"`
	PID             int       `json:"pid"`
	PublishEndpoint string    `json:"publish_endpoint,omitempty"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	Seq             uint64    `json:"seq"`
}

func (h *InstanceHandler) List(ctx *gin.Context) {
	instances := h.bus.Instances()
	items := make([]instanceResponse, len(instances))
	for i, inst := range instances {
		items[i] = instanceResponse{
			InstanceID:      inst.InstanceID,
			PID:             inst.PID,
			PublishEndpoint: inst.PublishEndpoint,
			FirstSeen:       inst.FirstSeen,
			LastSeen:        inst.LastSeen,
			Seq:             inst.Seq,
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"instances": items, "leader": h.bus.Leader()})
}
