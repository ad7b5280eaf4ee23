package pubsub

import "context"

type Broadcaster interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Health(ctx context.Context) error
}

// Handler gets the raw payload of one message
type Handler func(ctx context.Context, data []byte)

type Subscriber interface {
	Subscribe(subject string, handler Handler) error
}
