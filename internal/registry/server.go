package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/schedulezero/schedulezero/internal/domain"
	"github.com/schedulezero/schedulezero/pkg/socket"
	"github.com/schedulezero/schedulezero/pkg/wire"
)

// Server is the registration endpoint handlers talk to. It serves the
// reserved $register, $heartbeat and $unregister methods over the same
// request/reply envelope user methods use.
type Server struct {
	registry  *Registry
	responder *socket.Responder
	logger    *slog.Logger
}

func NewServer(reg *Registry, logger *slog.Logger) *Server {
	s := &Server{
		registry: reg,
		logger:   logger.With("component", "registration"),
	}
	s.responder = socket.NewResponder(s.serve, s.logger)
	return s
}

func (s *Server) Start(addr string) error {
	if err := s.responder.Start(addr); err != nil {
		return err
	}
	s.logger.Info("registration endpoint listening", "addr", s.responder.Addr())
	return nil
}

func (s *Server) Addr() string { return s.responder.Addr() }

func (s *Server) Stop(ctx context.Context) error {
	return s.responder.Stop(ctx)
}

func (s *Server) serve(_ context.Context, call *wire.Call) *wire.Result {
	switch call.Method {
	case wire.MethodRegister:
		return s.register(call)
	case wire.MethodHeartbeat:
		return s.heartbeat(call)
	case wire.MethodUnregister:
		return s.unregister(call)
	default:
		return wire.NewErrorResult(call.FiringID, "unknown control method "+call.Method, false)
	}
}

func (s *Server) register(call *wire.Call) *wire.Result {
	var p wire.RegisterParams
	if err := decodeParams(call.Params, &p); err != nil {
		return wire.NewErrorResult(call.FiringID, "malformed register params: "+err.Error(), false)
	}
	if p.HandlerID == "" || p.Address == "" || len(p.Methods) == 0 {
		return wire.NewErrorResult(call.FiringID, "register requires handler_id, address and at least one method", false)
	}
	for _, m := range p.Methods {
		if len(m) > 0 && m[0] == '$' {
			return wire.NewErrorResult(call.FiringID, "method names starting with '$' are reserved", false)
		}
	}

	replaced, err := s.registry.Register(p.HandlerID, p.Address, p.Methods, p.Force)
	if err != nil {
		if errors.Is(err, domain.ErrRegistrationConflict) {
			return wire.NewErrorResult(call.FiringID, wire.CodeConflict+": "+err.Error(), false)
		}
		return wire.NewErrorResult(call.FiringID, err.Error(), true)
	}
	return wire.NewOKResult(call.FiringID, map[string]any{"replaced": replaced})
}

func (s *Server) heartbeat(call *wire.Call) *wire.Result {
	var p wire.HandlerIDParams
	if err := decodeParams(call.Params, &p); err != nil {
		return wire.NewErrorResult(call.FiringID, "malformed heartbeat params: "+err.Error(), false)
	}
	if err := s.registry.Heartbeat(p.HandlerID); err != nil {
		// Unknown id: the handler should fall back to a full register.
		return wire.NewErrorResult(call.FiringID, wire.CodeHandlerUnknown+": "+err.Error(), false)
	}
	return wire.NewOKResult(call.FiringID, nil)
}

func (s *Server) unregister(call *wire.Call) *wire.Result {
	var p wire.HandlerIDParams
	if err := decodeParams(call.Params, &p); err != nil {
		return wire.NewErrorResult(call.FiringID, "malformed unregister params: "+err.Error(), false)
	}
	if err := s.registry.Unregister(p.HandlerID); err != nil {
		return wire.NewErrorResult(call.FiringID, wire.CodeHandlerUnknown+": "+err.Error(), false)
	}
	return wire.NewOKResult(call.FiringID, nil)
}

// decodeParams round-trips the generic params object into a typed one.
func decodeParams(params map[string]any, dst any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
