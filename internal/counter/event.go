package counter

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State classifies a counter value against its bounds.
type State int

const (
	Valid State = iota
	LowerBoundReached
	UpperBoundReached
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case LowerBoundReached:
		return "lower-bound-reached"
	case UpperBoundReached:
		return "upper-bound-reached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event reports a change of a counter value as seen by the local instance.
// Weak counter events always carry Valid states.
type Event struct {
	Counter  string
	OldValue int64
	NewValue int64
	OldState State
	NewState State
}

// Listener receives counter events. Calls are made from the goroutine that
// applied the mutation and must not block.
type Listener interface {
	OnUpdate(Event)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnUpdate(ev Event) { f(ev) }

// Handle unregisters a listener.
type Handle struct {
	once   sync.Once
	remove func()
}

// Remove stops delivery to the listener. Safe to call more than once.
func (h *Handle) Remove() {
	h.once.Do(h.remove)
}

type listenerSet struct {
	logger *zap.Logger

	mu   sync.RWMutex
	next uint64
	byID map[uint64]Listener
}

func newListenerSet(logger *zap.Logger) *listenerSet {
	return &listenerSet{logger: logger, byID: make(map[uint64]Listener)}
}

func (s *listenerSet) add(l Listener) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.byID[id] = l
	return &Handle{remove: func() {
		s.mu.Lock()
		delete(s.byID, id)
		s.mu.Unlock()
	}}
}

func (s *listenerSet) empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID) == 0
}

func (s *listenerSet) emit(ev Event) {
	s.mu.RLock()
	ls := make([]Listener, 0, len(s.byID))
	for _, l := range s.byID {
		ls = append(ls, l)
	}
	s.mu.RUnlock()

	for _, l := range ls {
		s.deliver(l, ev)
	}
}

// deliver isolates the caller from a panicking listener.
func (s *listenerSet) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			listenerPanics.Inc()
			s.logger.Error("counter listener panicked",
				zap.String("counter", ev.Counter),
				zap.Any("panic", r),
			)
		}
	}()
	l.OnUpdate(ev)
}
