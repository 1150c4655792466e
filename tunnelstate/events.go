package tunnelstate

// EventKind names the service notifications.
type EventKind string

const (
	EventStateChange   EventKind = "stateChange"
	EventTunnelAdded   EventKind = "tunnelAdded"
	EventTunnelRemoved EventKind = "tunnelRemoved"
)

// Event is one service notification. Previous and Current are set for state
// changes; Runtime is a snapshot and is nil for removals.
type Event struct {
	Kind     EventKind
	Name     string
	Previous State
	Current  State
	Runtime  *Runtime
}

// Observer receives service events. Handlers run synchronously on the
// mutating goroutine with the service locked, in transition order; they must
// not block and must not call back into the service.
type Observer interface {
	HandleTunnelEvent(Event)
}

// AddObserver subscribes observer to all future events.
func (s *Service) AddObserver(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// RemoveObserver unsubscribes a previously added observer.
func (s *Service) RemoveObserver(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if existing == observer {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Service) emitLocked(event Event) {
	for _, observer := range s.observers {
		observer.HandleTunnelEvent(event)
	}
}
