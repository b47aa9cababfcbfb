// Package router turns inbound websocket frames into coordinator calls.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codeshare/pkg/interfaces"
	"codeshare/pkg/types"
)

// Router decodes client frames and forwards them to the coordinator. It
// never touches room state itself.
type Router struct {
	coordinator interfaces.Coordinator
	rateLimiter *RateLimiter
}

// NewRouter creates a router. maxPerMinute <= 0 disables rate limiting.
func NewRouter(coordinator interfaces.Coordinator, maxPerMinute int) *Router {
	r := &Router{coordinator: coordinator}
	if maxPerMinute > 0 {
		r.rateLimiter = NewRateLimiter(maxPerMinute, time.Minute)
	}
	return r
}

// RouteMessage handles one text frame from conn. Errors describe why the
// frame was dropped; the connection stays usable either way.
func (r *Router) RouteMessage(ctx context.Context, conn types.ConnID, data []byte) error {
	if r.rateLimiter != nil && !r.rateLimiter.Allow(string(conn)) {
		return ErrRateLimitExceeded
	}

	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch env.Event {
	case types.EventJoinRoom:
		var req types.JoinRoomRequest
		if err := decodeData(env.Data, &req); err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return r.coordinator.Join(ctx, conn, req.RoomID)

	case types.EventCodeChange:
		var req types.CodeChangeRequest
		if err := decodeData(env.Data, &req); err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		return r.coordinator.CodeChange(ctx, conn, req.RoomID, *req.Code)

	default:
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, env.Event)
	}
}

// Forget releases per-connection state once conn has gone.
func (r *Router) Forget(conn types.ConnID) {
	if r.rateLimiter != nil {
		r.rateLimiter.Forget(string(conn))
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidMessage)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
