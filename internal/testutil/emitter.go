// Package testutil holds shared fakes for package tests.
package testutil

import (
	"sync"
	"time"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.Emitter = (*RecordingEmitter)(nil)

// Emission is one call observed by RecordingEmitter
type Emission struct {
	Kind    string // room, all, user, role
	Target  string
	Event   string
	Payload interface{}
}

// RecordingEmitter captures emissions instead of writing to sockets
type RecordingEmitter struct {
	mu    sync.Mutex
	calls []Emission
}

func NewRecordingEmitter() *RecordingEmitter {
	return &RecordingEmitter{}
}

func (e *RecordingEmitter) record(em Emission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, em)
}

func (e *RecordingEmitter) Broadcast(roomID, event string, payload interface{}) {
	e.record(Emission{Kind: "room", Target: roomID, Event: event, Payload: payload})
}

func (e *RecordingEmitter) BroadcastAll(event string, payload interface{}) {
	e.record(Emission{Kind: "all", Event: event, Payload: payload})
}

func (e *RecordingEmitter) SendToUser(userID, event string, payload interface{}) {
	e.record(Emission{Kind: "user", Target: userID, Event: event, Payload: payload})
}

func (e *RecordingEmitter) SendToRole(role types.Role, event string, payload interface{}) {
	e.record(Emission{Kind: "role", Target: string(role), Event: event, Payload: payload})
}

// Calls returns a copy of everything recorded so far
func (e *RecordingEmitter) Calls() []Emission {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Emission, len(e.calls))
	copy(out, e.calls)
	return out
}

// Filter returns the emissions of one event name
func (e *RecordingEmitter) Filter(event string) []Emission {
	var out []Emission
	for _, c := range e.Calls() {
		if c.Event == event {
			out = append(out, c)
		}
	}
	return out
}

// Targets returns kind:target for each emission of event
func (e *RecordingEmitter) Targets(event string) []string {
	var out []string
	for _, c := range e.Filter(event) {
		out = append(out, c.Kind+":"+c.Target)
	}
	return out
}

func (e *RecordingEmitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// WaitFor polls until n emissions of event were seen or timeout expires
func (e *RecordingEmitter) WaitFor(event string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if len(e.Filter(event)) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
