package records

import (
	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
)

// ChangeEvent describes an accepted write.
type ChangeEvent struct {
	Kind      schema.Kind      `json:"kind"`
	EntityID  EntityID         `json:"entity_id"`
	Operation Operation        `json:"operation"`
	UpdatedAt schema.Timestamp `json:"updated_at"`
	ActorID   string           `json:"actor_id,omitempty"`
	Forced    bool             `json:"forced"`
	Fields    []string         `json:"fields,omitempty"`
}

// Observer is notified after a write has been committed.
type Observer interface {
	EntityChanged(event ChangeEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event ChangeEvent)

// EntityChanged calls f(event).
func (f ObserverFunc) EntityChanged(event ChangeEvent) {
	f(event)
}
