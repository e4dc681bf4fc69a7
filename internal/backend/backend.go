// Package backend defines the command processor the bridge dispatches
// admitted messages to, and the opencode CLI implementation of it.
package backend

import "context"

// Reply is the processor's answer to one submitted message.
type Reply struct {
	Content string
	// SessionRef is the backend conversation handle the caller should store
	// for continuity on the next submission.
	SessionRef string
}

// Processor is the backend command engine, invoked at most once concurrently
// per conversation. sessionRef carries conversation continuity; empty starts
// a fresh backend conversation. Implementations enforce their own wall-clock
// cap in addition to ctx.
type Processor interface {
	Submit(ctx context.Context, conversationID, sessionRef, text string) (Reply, error)
}
