package domain

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrHandlerUnknown       = errors.New("handler is not registered")
	ErrMethodUnknown        = errors.New("handler does not advertise this method")
	ErrRegistrationConflict = errors.New("handler id is held by a live registration at another address")
)

type HandlerStatus string

const (
	HandlerConnected   HandlerStatus = "connected"
	HandlerUnreachable HandlerStatus = "unreachable"
)

type HandlerEntry struct {
	ID           string
	Address      string
	Methods      []string
	Status       HandlerStatus
	RegisteredAt time.Time
	LastSeen     time.Time
}

func (h *HandlerEntry) HasMethod(name string) bool {
	return slices.Contains(h.Methods, name)
}
