// Package hub is the session coordinator: a single event loop that owns
// every mutation of the room registry and decides who hears about it.
package hub

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"codeshare/internal/session"
	"codeshare/pkg/interfaces"
	"codeshare/pkg/types"
)

// Config tunes the event loop.
type Config struct {
	// EventBuffer is the capacity of the inbound event queue.
	EventBuffer int
	// LookupTimeout bounds each code block read made while handling an event.
	LookupTimeout time.Duration
}

// DefaultConfig returns classroom-scale defaults
func DefaultConfig() Config {
	return Config{
		EventBuffer:   1000,
		LookupTimeout: 2 * time.Second,
	}
}

// Hub serialises transport events and admin notifications through one
// goroutine so no two handlers interleave their registry reads and writes.
type Hub struct {
	events chan *event

	rooms   *session.Registry
	store   interfaces.CodeBlockReader
	emitter interfaces.Emitter
	config  Config

	running  bool
	shutdown chan struct{}
	done     chan struct{}
	mu       sync.RWMutex
}

type event struct {
	name   string
	handle func(ctx context.Context)
	// processed is closed once handle has returned; nil for fire-and-forget
	// events.
	processed chan struct{}
}

var (
	_ interfaces.Coordinator = (*Hub)(nil)
	_ interfaces.AdminHooks  = (*Hub)(nil)
)

// NewHub creates a hub over rooms. The hub becomes the only writer of rooms.
func NewHub(rooms *session.Registry, store interfaces.CodeBlockReader, emitter interfaces.Emitter, config Config) *Hub {
	defaults := DefaultConfig()
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = defaults.LookupTimeout
	}

	return &Hub{
		events:  make(chan *event, config.EventBuffer),
		rooms:   rooms,
		store:   store,
		emitter: emitter,
		config:  config,
	}
}

// Start begins event processing. The loop ends on Stop or when ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	log.Info().Str("module", "hub").Int("buffer", cap(h.events)).Msg("starting session hub")

	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop ends the loop and waits for the event in progress to finish.
// Events still queued are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	log.Info().Str("module", "hub").Msg("stopping session hub")
	<-done
	return nil
}

// IsRunning reports whether the loop is accepting events.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// GetStats returns hub statistics for monitoring
func (h *Hub) GetStats() map[string]interface{} {
	stats := h.rooms.GetStats()
	stats["running"] = h.IsRunning()
	stats["queued_events"] = len(h.events)
	return stats
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer log.Info().Str("module", "hub").Msg("hub processing stopped")

	for {
		select {
		case ev := <-h.events:
			h.process(ctx, ev)

		case <-shutdown:
			return

		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// process runs one handler. A panic is logged and the event becomes a no-op
// so one faulty event cannot take down unrelated rooms.
func (h *Hub) process(ctx context.Context, ev *event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("module", "hub").
				Str("event", ev.name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("event handler panicked")
		}
		if ev.processed != nil {
			close(ev.processed)
		}
	}()

	ev.handle(ctx)
}

// loopDone returns the done channel of the current run, or an error when
// the hub is stopped.
func (h *Hub) loopDone() (<-chan struct{}, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return nil, ErrHubNotRunning
	}
	return h.done, nil
}

// post queues an event without blocking.
func (h *Hub) post(ev *event) error {
	if _, err := h.loopDone(); err != nil {
		return err
	}

	select {
	case h.events <- ev:
		return nil
	default:
		log.Warn().Str("module", "hub").Str("event", ev.name).Msg("event queue full, dropping event")
		return ErrEventChannelFull
	}
}

// send queues an event, blocking until there is room.
func (h *Hub) send(ctx context.Context, ev *event) error {
	done, err := h.loopDone()
	if err != nil {
		return err
	}

	select {
	case h.events <- ev:
		return nil
	case <-done:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call queues an event and waits until the loop has processed it.
func (h *Hub) call(ctx context.Context, name string, fn func(ctx context.Context)) error {
	ev := &event{name: name, handle: fn, processed: make(chan struct{})}
	if err := h.send(ctx, ev); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	done, err := h.loopDone()
	if err != nil {
		// Stopped after queueing; the event may or may not have run.
		select {
		case <-ev.processed:
			return nil
		default:
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	select {
	case <-ev.processed:
		return nil
	case <-done:
		select {
		case <-ev.processed:
			return nil
		default:
			return fmt.Errorf("%s: %w", name, ErrHubNotRunning)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every event queued before it has been processed.
func (h *Hub) Flush(ctx context.Context) error {
	return h.call(ctx, "flush", func(context.Context) {})
}

// Connect replies to a new connection with the current lobby summary.
func (h *Hub) Connect(ctx context.Context, conn types.ConnID) error {
	return h.post(&event{name: types.EventConnect, handle: func(ctx context.Context) {
		h.emitter.SendTo(conn, types.EventActiveRooms, h.activeRooms(ctx))
	}})
}

// Join queues a join_room event.
func (h *Hub) Join(ctx context.Context, conn types.ConnID, room types.RoomID) error {
	return h.post(&event{name: types.EventJoinRoom, handle: func(ctx context.Context) {
		h.handleJoin(ctx, conn, room)
	}})
}

// CodeChange queues a code_change event.
func (h *Hub) CodeChange(ctx context.Context, conn types.ConnID, room types.RoomID, code string) error {
	return h.post(&event{name: types.EventCodeChange, handle: func(ctx context.Context) {
		h.handleCodeChange(ctx, conn, room, code)
	}})
}

// Disconnect queues the departure of conn. It blocks until queued so that
// cleanup is never dropped.
func (h *Hub) Disconnect(ctx context.Context, conn types.ConnID) error {
	return h.send(ctx, &event{name: types.EventDisconnect, handle: func(ctx context.Context) {
		h.handleDisconnect(ctx, conn)
	}})
}

// lookup reads a code block with the per-event timeout.
func (h *Hub) lookup(ctx context.Context, id types.CodeBlockID) (*types.CodeBlock, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.LookupTimeout)
	defer cancel()
	return h.store.GetCodeBlock(ctx, id)
}
