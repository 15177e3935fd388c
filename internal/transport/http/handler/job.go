package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/pkg/wire"
)

// Runner is the dispatcher surface run_now needs.
type Runner interface {
	RunNow(ctx context.Context, handlerID, method string, params map[string]any) (string, error)
}

type JobHandler struct {
	runner Runner
	logger *slog.Logger
}

func NewJobHandler(runner Runner, logger *slog.Logger) *JobHandler {
	return &JobHandler{runner: runner, logger: logger.With("component", "job_handler")}
}

type runNowRequest struct {
	HandlerID  string         `json:"handler_id"  binding:"required,max=256"`
	MethodName string         `json:"method_name" binding:"required,max=256"`
	JobParams  map[string]any `json:"job_params"`
}

// RunNow fires an independent ad-hoc firing. It does not touch any
// schedule's next-fire computation or attempt budget.
func (h *JobHandler) RunNow(ctx *gin.Context) {
	var req runNowRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondError(ctx, http.StatusBadRequest, wire.CodeInvalidRequest, err.Error())
		return
	}

	firingID, err := h.runner.RunNow(ctx.Request.Context(), req.HandlerID, req.MethodName, req.JobParams)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrHandlerUnknown):
			respondError(ctx, http.StatusNotFound, wire.CodeHandlerUnknown, "handler "+req.HandlerID+" is not registered")
		case errors.Is(err, domain.ErrMethodUnknown):
			respondError(ctx, http.StatusBadRequest, wire.CodeMethodUnknown,
				"handler "+req.HandlerID+" does not advertise method "+req.MethodName)
		default:
			h.logger.Error("run now", "handler_id", req.HandlerID, "method", req.MethodName, "error", err)
			respondError(ctx, http.StatusInternalServerError, wire.CodeInternal, msgInternal)
		}
		return
	}

	h.logger.Info("ad-hoc firing dispatched", "firing_id", firingID, "handler_id", req.HandlerID, "method", req.MethodName)
	ctx.JSON(http.StatusOK, gin.H{"status": "success", "firing_id": firingID})
}
