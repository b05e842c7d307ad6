package kb

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/autoscope/model"
)

// EventType indicates what kind of change happened on the board.
type EventType int

const (
	EventDeviceRegistered EventType = iota
	EventDeviceUpdated
)

// Event is emitted to subscribers when a device status changes.
type Event struct {
	Type     EventType
	Status   model.DeviceStatus
	Previous model.DeviceState
}

// StatusBoard is the in-memory, thread-safe record of device status. Only the
// device control layer writes to it; everything else reads snapshots or
// subscribes.
type StatusBoard struct {
	mu sync.RWMutex

	devices map[model.DeviceKind]*model.DeviceStatus

	nextSub int
	subs    map[int]func(Event)
}

// NewStatusBoard constructs an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		devices: make(map[model.DeviceKind]*model.DeviceStatus),
		subs:    make(map[int]func(Event)),
	}
}

// Register adds a device in the Disconnected state. Registering a kind twice
// is an error.
func (b *StatusBoard) Register(kind model.DeviceKind, at time.Time) error {
	b.mu.Lock()
	if _, exists := b.devices[kind]; exists {
		b.mu.Unlock()
		return fmt.Errorf("device %q already registered", kind)
	}
	st := &model.DeviceStatus{Kind: kind, State: model.DeviceDisconnected, UpdatedAt: at}
	b.devices[kind] = st
	event := Event{Type: EventDeviceRegistered, Status: *st, Previous: model.DeviceDisconnected}
	subs := b.subscribers()
	b.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Update sets the state of a registered device and notifies subscribers.
// activity describes a Busy state, reason an Error state.
func (b *StatusBoard) Update(kind model.DeviceKind, state model.DeviceState, detail string, at time.Time) error {
	b.mu.Lock()
	st, ok := b.devices[kind]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("device %q not registered", kind)
	}
	prev := st.State
	st.State = state
	st.Activity, st.Reason = "", ""
	switch state {
	case model.DeviceBusy:
		st.Activity = detail
	case model.DeviceError:
		st.Reason = detail
	}
	st.UpdatedAt = at
	event := Event{Type: EventDeviceUpdated, Status: *st, Previous: prev}
	subs := b.subscribers()
	b.mu.Unlock()

	// Notify outside the lock so subscribers may read the board.
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Get returns a copy of the status for kind.
func (b *StatusBoard) Get(kind model.DeviceKind) (model.DeviceStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.devices[kind]
	if !ok {
		return model.DeviceStatus{}, false
	}
	return *st, true
}

// List returns a snapshot of all registered devices ordered by kind.
func (b *StatusBoard) List() []model.DeviceStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	res := make([]model.DeviceStatus, 0, len(b.devices))
	for _, st := range b.devices {
		res = append(res, *st)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Kind < res[j].Kind })
	return res
}

// Subscribe registers a callback for board events. It returns an unsubscribe
// function that is safe to call more than once.
func (b *StatusBoard) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// subscribers must be called with b.mu held.
func (b *StatusBoard) subscribers() []func(Event) {
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, b.subs[id])
	}
	return out
}
