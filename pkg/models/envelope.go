package models

import "encoding/json"

// Envelope pairs an entity with the raw upstream record it came from. Payload is nil when the
// entity was resolved from the store without a fetch.
type Envelope[T Entity] struct {
	Model   T               `json:"model"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Changed is false only for stored entities passed through without a fetch
	Changed bool `json:"changed"`
}

func Fetched[T Entity](model T, payload json.RawMessage) Envelope[T] {
	return Envelope[T]{Model: model, Payload: payload, Changed: true}
}

func Unfetched[T Entity](model T) Envelope[T] {
	return Envelope[T]{Model: model}
}

// Key returns the entity key of the wrapped model.
func (e Envelope[T]) Key() EntityKey {
	return e.Model.GetContent().Key
}
