// Package pubsub provides a generic publish/subscribe event system.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// ObjectEvent is published for each decoded object received on a
	// side-channel connection.
	ObjectEvent EventType = "object"
	// LogLineEvent is published for each formatted log entry.
	LogLineEvent EventType = "logline"
	// TreeEvent is published when the test tree changes shape.
	TreeEvent EventType = "tree"
	// ResultEvent is published for each run-result projection update.
	ResultEvent EventType = "result"
)

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
