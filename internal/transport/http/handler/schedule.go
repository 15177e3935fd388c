package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/registry"
	"github.com/schedulezero/schedulezero/internal/store"
	"github.com/schedulezero/schedulezero/internal/trigger"
	"github.com/schedulezero/schedulezero/pkg/wire"
)

// PublishFunc emits a bus event. A nil func drops events.
type PublishFunc func(topic string, payload map[string]any)

// WakeFunc nudges the scheduler loop after a schedule mutation.
type WakeFunc func()

// ScheduleDefaults fills the optional fields of a create request.
type ScheduleDefaults struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	MisfireGrace   time.Duration
	TZ             *time.Location
}

type ScheduleHandler struct {
	store    store.ScheduleStore
	registry *registry.Registry
	defaults ScheduleDefaults
	publish  PublishFunc
	wake     WakeFunc
	logger   *slog.Logger
}

func NewScheduleHandler(st store.ScheduleStore, reg *registry.Registry, defaults ScheduleDefaults, publish PublishFunc, wake WakeFunc, logger *slog.Logger) *ScheduleHandler {
	if defaults.TZ == nil {
		defaults.TZ = time.UTC
	}
	return &ScheduleHandler{
		store:    st,
		registry: reg,
		defaults: defaults,
		publish:  publish,
		wake:     wake,
		logger:   logger.With("component", "schedule_handler"),
	}
}

type createScheduleRequest struct {
	ScheduleID          string          `json:"schedule_id"            binding:"omitempty,max=256"`
	HandlerID           string          `json:"handler_id"             binding:"required,max=256"`
	MethodName          string          `json:"method_name"            binding:"required,max=256"`
	JobParams           map[string]any  `json:"job_params"`
	TriggerConfig       json.RawMessage `json:"trigger_config"         binding:"required"`
	MisfirePolicy       string          `json:"misfire_policy"         binding:"omitempty,oneof=run_now_if_late skip_if_late"`
	MisfireGraceMS      int             `json:"misfire_grace_ms"       binding:"omitempty,min=0"`
	MaxAttempts         int             `json:"max_attempts"           binding:"omitempty,min=1,max=20"`
	PerAttemptTimeoutMS int             `json:"per_attempt_timeout_ms" binding:"omitempty,min=1"`
}

type scheduleResponse struct {
	ID                  string          `json:"id"`
	HandlerID           string          `json:"handler_id"`
	MethodName          string          `json:"method_name"`
	JobParams           map[string]any  `json:"job_params"`
	TriggerConfig       json.RawMessage `json:"trigger_config"`
	Status              string          `json:"status"`
	NextFire            *time.Time      `json:"next_fire,omitempty"`
	MisfirePolicy       string          `json:"misfire_policy"`
	MaxAttempts         int             `json:"max_attempts"`
	PerAttemptTimeoutMS int64           `json:"per_attempt_timeout_ms,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func toScheduleResponse(s *domain.Schedule) scheduleResponse {
	return scheduleResponse{
		ID:                  s.ID,
		HandlerID:           s.HandlerID,
		MethodName:          s.Method,
		JobParams:           s.Params,
		TriggerConfig:       s.Trigger,
		Status:              string(s.Status()),
		NextFire:            s.NextFire,
		MisfirePolicy:       string(s.MisfirePolicy),
		MaxAttempts:         s.MaxAttempts,
		PerAttemptTimeoutMS: s.AttemptTimeout.Milliseconds(),
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

func (h *ScheduleHandler) Create(ctx *gin.Context) {
	var req createScheduleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondError(ctx, http.StatusBadRequest, wire.CodeInvalidRequest, err.Error())
		return
	}

	// A handler that is already registered pins the method set; schedules
	// for handlers that will register later are accepted as-is.
	if entry, err := h.registry.Lookup(req.HandlerID); err == nil && !entry.HasMethod(req.MethodName) {
		respondError(ctx, http.StatusBadRequest, wire.CodeMethodUnknown,
			"handler "+req.HandlerID+" does not advertise method "+req.MethodName)
		return
	}

	now := domain.UTCMillis(time.Now())
	trig, normalized, err := trigger.Normalize(req.TriggerConfig, now, h.defaults.TZ)
	if err != nil {
		respondError(ctx, http.StatusBadRequest, wire.CodeInvalidTrigger, err.Error())
		return
	}
	firstFire, _ := trig.NextAfter(now)

	s := &domain.Schedule{
		ID:             req.ScheduleID,
		HandlerID:      req.HandlerID,
		Method:         req.MethodName,
		Params:         req.JobParams,
		Trigger:        normalized,
		NextFire:       &firstFire,
		MisfirePolicy:  domain.MisfirePolicy(req.MisfirePolicy),
		MisfireGrace:   time.Duration(req.MisfireGraceMS) * time.Millisecond,
		MaxAttempts:    req.MaxAttempts,
		AttemptTimeout: time.Duration(req.PerAttemptTimeoutMS) * time.Millisecond,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.MisfirePolicy == "" {
		s.MisfirePolicy = domain.MisfireRunNowIfLate
	}
	if s.MisfireGrace <= 0 {
		s.MisfireGrace = h.defaults.MisfireGrace
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = h.defaults.MaxAttempts
	}

	if err := h.store.Add(ctx.Request.Context(), s); err != nil {
		switch {
		case errors.Is(err, domain.ErrDuplicateSchedule):
			respondError(ctx, http.StatusConflict, wire.CodeDuplicate, "schedule id "+s.ID+" already exists")
		default:
			h.logger.Error("add schedule", "schedule_id", s.ID, "error", err)
			respondError(ctx, http.StatusInternalServerError, wire.CodeInternal, msgInternal)
		}
		return
	}

	h.logger.Info("schedule created",
		"schedule_id", s.ID,
		"handler_id", s.HandlerID,
		"method", s.Method,
		"trigger", trig.Describe(),
		"next_fire", firstFire,
	)
	h.emit("schedule.added", map[string]any{"schedule_id": s.ID, "handler_id": s.HandlerID, "next_fire": firstFire})
	h.nudge()

	ctx.JSON(http.StatusOK, gin.H{"status": "success", "schedule_id": s.ID})
}

func (h *ScheduleHandler) List(ctx *gin.Context) {
	schedules, err := h.store.List(ctx.Request.Context(), store.Filter{})
	if err != nil {
		h.logger.Error("list schedules", "error", err)
		respondError(ctx, http.StatusInternalServerError, wire.CodeInternal, msgInternal)
		return
	}

	items := make([]scheduleResponse, len(schedules))
	for i, s := range schedules {
		items[i] = toScheduleResponse(s)
	}
	ctx.JSON(http.StatusOK, gin.H{"schedules": items, "count": len(items)})
}

func (h *ScheduleHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	s, err := h.store.Get(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			respondError(ctx, http.StatusNotFound, wire.CodeNotFound, "schedule "+id+" not found")
			return
		}
		h.logger.Error("get schedule", "schedule_id", id, "error", err)
		respondError(ctx, http.StatusInternalServerError, wire.CodeInternal, msgInternal)
		return
	}

	ctx.JSON(http.StatusOK, toScheduleResponse(s))
}

func (h *ScheduleHandler) Delete(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.store.Remove(ctx.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			respondError(ctx, http.StatusNotFound, wire.CodeNotFound, "schedule "+id+" not found")
			return
		}
		h.logger.Error("delete schedule", "schedule_id", id, "error", err)
		respondError(ctx, http.StatusInternalServerError, wire.CodeInternal, msgInternal)
		return
	}

	h.logger.Info("schedule removed", "schedule_id", id)
	h.emit("schedule.removed", map[string]any{"schedule_id": id})
	h.nudge()

	ctx.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *ScheduleHandler) Pause(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.store.Pause(ctx.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrScheduleNotFound):
			respondError(ctx, http.StatusNotFound, wire.CodeNotFound, "schedule "+id+" not found")
		case errors.Is(err, domain.ErrScheduleAlreadyPaused):
			respondError(ctx, http.StatusConflict, wire.CodeConflict, "schedule "+id+" is already paused")
		default:
			h.logger.Error("pause schedule", "schedule_id", id, "error", err)
			respondError(ctx, http.StatusInternalServerError, wire.CodeInternal, msgInternal)
		}
		return
	}

	h.emit("schedule.updated", map[string]any{"schedule_id": id, "paused": true})
	h.nudge()
	ctx.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *ScheduleHandler) Resume(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.store.Resume(ctx.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrScheduleNotFound):
			respondError(ctx, http.StatusNotFound, wire.CodeNotFound, "schedule "+id+" not found")
		case errors.Is(err, domain.ErrScheduleNotPaused):
			respondError(ctx, http.StatusConflict, wire.CodeConflict, "schedule "+id+" is not paused")
		default:
			h.logger.Error("resume schedule", "schedule_id", id, "error", err)
			respondError(ctx, http.StatusInternalServerError, wire.CodeInternal, msgInternal)
		}
		return
	}

	h.emit("schedule.updated", map[string]any{"schedule_id": id, "paused": false})
	h.nudge()
	ctx.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *ScheduleHandler) emit(topic string, payload map[string]any) {
	if h.publish != nil {
		h.publish(topic, payload)
	}
}

func (h *ScheduleHandler) nudge() {
	if h.wake != nil {
		h.wake()
	}
}
