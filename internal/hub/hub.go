package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.Emitter = (*Hub)(nil)

type targetKind int

const (
	targetRoom targetKind = iota
	targetAll
	targetUser
	targetRole
)

// emission is one queued outbound event
type emission struct {
	kind    targetKind
	target  string
	event   string
	payload interface{}
}

// Hub serialises outbound emissions from background workers onto the registry
// ARCHITECTURAL DISCOVERY: The scheduler and the notification sweep emit through the
// hub so a slow socket stalls neither; emissions leave in the order they were queued
type Hub struct {
	target interfaces.Emitter
	logger zerolog.Logger

	// FUNCTIONAL DISCOVERY: Buffered channel absorbs fan-out bursts (a global
	// notification or a session start reaching a whole class)
	queue chan emission
	done  chan struct{}

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewHub wraps target; bufferSize <= 0 selects 1000
func NewHub(target interfaces.Emitter, bufferSize int, logger zerolog.Logger) (*Hub, error) {
	if target == nil {
		return nil, ErrNilEmitter
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Hub{
		target: target,
		logger: logger,
		queue:  make(chan emission, bufferSize),
	}, nil
}

// Start begins draining the queue until Stop or ctx cancellation
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.done = make(chan struct{})

	h.wg.Add(1)
	go h.run(ctx, h.done)

	h.logger.Info().Int("buffer", cap(h.queue)).Msg("emission hub started")
	return nil
}

// Stop flushes queued emissions and waits for the drain goroutine
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.done)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info().Msg("emission hub stopped")
	return nil
}

// Running reports whether the drain goroutine is active
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) Broadcast(roomID, event string, payload interface{}) {
	h.enqueue(emission{kind: targetRoom, target: roomID, event: event, payload: payload})
}

func (h *Hub) BroadcastAll(event string, payload interface{}) {
	h.enqueue(emission{kind: targetAll, event: event, payload: payload})
}

func (h *Hub) SendToUser(userID, event string, payload interface{}) {
	h.enqueue(emission{kind: targetUser, target: userID, event: event, payload: payload})
}

func (h *Hub) SendToRole(role types.Role, event string, payload interface{}) {
	h.enqueue(emission{kind: targetRole, target: string(role), event: event, payload: payload})
}

// enqueue never drops an emission: when the hub is stopped or the queue is
// full the caller delivers it inline
func (h *Hub) enqueue(e emission) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.running {
		select {
		case h.queue <- e:
			return
		default:
			h.logger.Warn().Str("event", e.event).Msg("emission queue full, delivering inline")
		}
	}
	h.deliver(e)
}

func (h *Hub) run(ctx context.Context, done <-chan struct{}) {
	defer h.wg.Done()

	for {
		select {
		case e := <-h.queue:
			h.deliver(e)
		case <-done:
			h.drain()
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			h.drain()
			return
		}
	}
}

// drain flushes whatever is still buffered
func (h *Hub) drain() {
	for {
		select {
		case e := <-h.queue:
			h.deliver(e)
		default:
			return
		}
	}
}

// deliver recovers a panicking target so one bad payload cannot kill the hub
func (h *Hub) deliver(e emission) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("event", e.event).Msg("emission panicked")
		}
	}()

	switch e.kind {
	case targetRoom:
		h.target.Broadcast(e.target, e.event, e.payload)
	case targetAll:
		h.target.BroadcastAll(e.event, e.payload)
	case targetUser:
		h.target.SendToUser(e.target, e.event, e.payload)
	case targetRole:
		h.target.SendToRole(types.Role(e.target), e.event, e.payload)
	}
}
