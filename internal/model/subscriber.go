package model

import "context"

// Subscriber receives every message republished by the tracker, including
// derived transition events.
type Subscriber interface {
	Publish(ctx context.Context, msg Message) error
}

type SubscribeCloser interface {
	Subscriber
	Close() error
}
