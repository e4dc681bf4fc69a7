package channel

import "context"

// Handler is a callback invoked for every inbound message an adapter accepts.
type Handler func(ctx context.Context, msg Message)

// Adapter is the contract every platform integration implements.
// Connect establishes the platform link and begins delivering inbound
// messages to the handler registered via OnMessage; Disconnect tears it down.
type Adapter interface {
	Platform() Platform
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	// Send delivers a reply to targetID. isGroup selects the group send path
	// on platforms that distinguish the two.
	Send(ctx context.Context, targetID string, reply Reply, isGroup bool) error

	// OnMessage registers the inbound handler. Must be called before Connect.
	OnMessage(handler Handler)
}
