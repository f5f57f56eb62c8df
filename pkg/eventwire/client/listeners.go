package client

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// Listener receives every envelope of the type it was registered for.
// A returned error is logged and does not affect other listeners.
type Listener func(env protocol.Envelope) error

// ListenerHandle identifies one registration. It is the only way to remove
// that registration.
type ListenerHandle struct {
	registry *listenerRegistry
	typ      protocol.MessageType
	id       uint64
}

// Type returns the message type the listener was registered for.
func (h *ListenerHandle) Type() protocol.MessageType {
	return h.typ
}

// Cancel removes the listener. It reports whether the listener was still
// registered, so cancelling twice is harmless.
func (h *ListenerHandle) Cancel() bool {
	if h == nil || h.registry == nil {
		return false
	}
	return h.registry.remove(h.typ, h.id)
}

// listenerRegistry maps a message type to its listeners in registration order.
type listenerRegistry struct {
	mu     sync.RWMutex
	byType map[protocol.MessageType]*linkedhashmap.Map
	nextID uint64
	logger *zap.Logger
}

func newListenerRegistry(logger *zap.Logger) *listenerRegistry {
	return &listenerRegistry{
		byType: make(map[protocol.MessageType]*linkedhashmap.Map),
		logger: logger,
	}
}

func (r *listenerRegistry) add(typ protocol.MessageType, l Listener) *ListenerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners, ok := r.byType[typ]
	if !ok {
		listeners = linkedhashmap.New()
		r.byType[typ] = listeners
	}

	r.nextID++
	listeners.Put(r.nextID, l)

	return &ListenerHandle{registry: r, typ: typ, id: r.nextID}
}

func (r *listenerRegistry) remove(typ protocol.MessageType, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners, ok := r.byType[typ]
	if !ok {
		return false
	}
	if _, found := listeners.Get(id); !found {
		return false
	}

	listeners.Remove(id)
	if listeners.Empty() {
		delete(r.byType, typ)
	}
	return true
}

// snapshot returns the listeners for typ in registration order.
func (r *listenerRegistry) snapshot(typ protocol.MessageType) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	listeners, ok := r.byType[typ]
	if !ok {
		return nil
	}

	result := make([]Listener, 0, listeners.Size())
	it := listeners.Iterator()
	for it.Next() {
		result = append(result, it.Value().(Listener))
	}
	return result
}

func (r *listenerRegistry) count(typ protocol.MessageType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if listeners, ok := r.byType[typ]; ok {
		return listeners.Size()
	}
	return 0
}

func (r *listenerRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byType = make(map[protocol.MessageType]*linkedhashmap.Map)
}

// dispatch invokes each listener in order, isolating errors and panics.
// It returns the number of listeners that failed.
func (r *listenerRegistry) dispatch(listeners []Listener, env protocol.Envelope) int {
	failed := 0
	for _, l := range listeners {
		if err := r.invoke(l, env); err != nil {
			failed++
			r.logger.Warn("Listener failed", zap.String("type", string(env.Type)), zap.Error(err))
		}
	}
	return failed
}

func (r *listenerRegistry) invoke(l Listener, env protocol.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()
	return l(env)
}
