package channel

import (
	"context"

	"tgrelay/pkg/message"
)

// Handler receives one inbound event. Adapters call it off their receive
// loop, so a slow handler never stalls message intake.
type Handler func(context.Context, message.Event)

// Adapter bridges one external transport (for example Telegram) into the relay.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
	// Connected reports whether the transport is currently receiving updates.
	Connected() bool
	// Health performs a live round trip against the transport.
	Health(context.Context) error
}
