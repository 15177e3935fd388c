package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/internal/execlog"
	"github.com/schedulezero/schedulezero/pkg/wire"
)

const (
	defaultQueryLimit = 100
	defaultErrorLimit = 50
)

type ExecutionHandler struct {
	ring   *execlog.Ring
	logger *slog.Logger
}

func NewExecutionHandler(ring *execlog.Ring, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{ring: ring, logger: logger.With("component", "execution_handler")}
}

type executionResponse struct {
	RecordID    uint64     `json:"record_id"`
	FiringID    string     `json:"firing_id"`
	ScheduleID  string     `json:"schedule_id,omitempty"`
	HandlerID   string     `json:"handler_id"`
	Method      string     `json:"method"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Status      string     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempt     int        `json:"attempt"`
	IsFinal     bool       `json:"is_final"`
}

func toExecutionResponse(r domain.ExecutionRecord) executionResponse {
	return executionResponse{
		RecordID:    r.RecordID,
		FiringID:    r.FiringID,
		ScheduleID:  r.ScheduleID,
		HandlerID:   r.HandlerID,
		Method:      r.Method,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMS:  r.DurationMS,
		Status:      string(r.Status),
		Result:      r.Result,
		Error:       r.Error,
		Attempt:     r.Attempt,
		IsFinal:     r.IsFinal,
	}
}

func (h *ExecutionHandler) List(ctx *gin.Context) {
	status, ok := execlog.StatusFromString(ctx.Query("status"))
	if !ok {
		respondError(ctx, http.StatusBadRequest, wire.CodeInvalidRequest, "unknown status "+ctx.Query("status"))
		return
	}
	limit := queryLimit(ctx, defaultQueryLimit)

	records := h.ring.Query(execlog.Filter{
		HandlerID:  ctx.Query("handler_id"),
		ScheduleID: ctx.Query("schedule_id"),
		Status:     status,
		Limit:      limit,
	})

	items := make([]executionResponse, len(records))
	for i, r := range records {
		items[i] = toExecutionResponse(r)
	}
	ctx.JSON(http.StatusOK, gin.H{"records": items, "count": len(items), "limit": limit})
}

func (h *ExecutionHandler) Stats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, h.ring.Stats(0))
}

func (h *ExecutionHandler) Errors(ctx *gin.Context) {
	limit := queryLimit(ctx, defaultErrorLimit)

	records := h.ring.Errors(limit)
	items := make([]executionResponse, len(records))
	for i, r := range records {
		items[i] = toExecutionResponse(r)
	}
	ctx.JSON(http.StatusOK, gin.H{"errors": items, "count": len(items), "limit": limit})
}

func (h *ExecutionHandler) Clear(ctx *gin.Context) {
	cleared := h.ring.Clear()
	h.logger.Info("execution log cleared", "records_cleared", cleared)
	ctx.JSON(http.StatusOK, gin.H{"status": "success", "records_cleared": cleared})
}

func queryLimit(ctx *gin.Context, fallback int) int {
	limit, err := strconv.Atoi(ctx.Query("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
