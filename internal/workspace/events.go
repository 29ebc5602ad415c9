package workspace

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventWorkspaceCreated   EventType = "workspace_created"
	EventWorkspaceDeleted   EventType = "workspace_deleted"
	EventWorkspaceRenamed   EventType = "workspace_renamed"
	EventActiveChanged      EventType = "active_workspace_changed"
	EventContentUpdated     EventType = "content_updated"
	EventWorkspaceUpdated   EventType = "workspace_updated"
	EventWorkspaceImported  EventType = "workspace_imported"
	EventPreferencesUpdated EventType = "preferences_updated"
	EventRemoteApplied      EventType = "remote_applied"
)

type Event struct {
	Type        EventType
	WorkspaceID string
	// Workspace is a copy of the affected workspace, when there is one.
	Workspace *Workspace
	// DataType is set for remote_applied.
	DataType string
	Time     time.Time
}

type Listener interface {
	HandleWorkspaceEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) HandleWorkspaceEvent(e Event) {
	f(e)
}

// Subscribe registers l and returns a func that removes it.
func (s *Store) Subscribe(l Listener) func() {
	if l == nil {
		return func() {}
	}
	s.lmu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = l
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// emit delivers events synchronously in subscription order. It must be called
// without s.mu held so listeners can call back into the Store.
func (s *Store) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.lmu.RLock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	listeners := make(map[uint64]Listener, len(s.listeners))
	for id, l := range s.listeners {
		listeners[id] = l
	}
	s.lmu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, e := range events {
		for _, id := range ids {
			s.deliver(listeners[id], e)
		}
	}
}

func (s *Store) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("workspace listener panicked",
				zap.String("event", string(e.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	l.HandleWorkspaceEvent(e)
}
