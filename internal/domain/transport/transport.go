package transport

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_transport.go -package=mocks . Transport,Feed

import (
	"context"

	"github.com/flowmesh/flowmesh/internal/principal"
)

// Inbound is one chat message delivered to the local node. The transport is
// trusted to have authenticated SenderID; it delivers messages unordered and
// store-and-forward.
type Inbound struct {
	// SenderID is the transport-form address of the authenticated sender.
	SenderID string
	// FeedID identifies the feed (room) the message arrived on.
	FeedID string
	// Payload is the opaque wire document.
	Payload []byte
}

// Feed is one open conversation: a room or a direct conversation with a set
// of accounts.
type Feed interface {
	ID() string
	// Open makes the feed ready for sends. Idempotent.
	Open(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	// Members lists the current member account addresses of the feed.
	Members(ctx context.Context) ([]string, error)
}

// Transport is the messaging collaborator the protocol core runs on.
type Transport interface {
	// ResolveFeed maps a normalized principal to a feed: looked up for a
	// room, created on demand for a bare account list.
	ResolveFeed(ctx context.Context, target principal.Principal) (Feed, error)
	// Inbound delivers messages addressed to the local node. The channel is
	// closed when the transport shuts down.
	Inbound() <-chan Inbound
}
