// Package chat is an in-process chat network: rooms, direct conversations,
// asynchronous store-and-forward delivery with no ordering guarantee. It is
// the transport collaborator for tests and single-process deployments.
package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh/internal/domain/transport"
	"github.com/flowmesh/flowmesh/internal/principal"
)

// inboundBuffer bounds each client's mailbox. A full mailbox drops the
// message, which is within the transport's lossy contract.
const inboundBuffer = 256

// Hub owns the rooms and connected clients.
type Hub struct {
	norm   principal.Normalizer
	logger zerolog.Logger

	mu      sync.Mutex
	rooms   map[string]map[string]struct{}
	clients map[string]*Client
}

func NewHub(norm principal.Normalizer, logger zerolog.Logger) *Hub {
	return &Hub{
		norm:    norm,
		logger:  logger.With().Str("component", "chat").Logger(),
		rooms:   make(map[string]map[string]struct{}),
		clients: make(map[string]*Client),
	}
}

// Connect registers an account and returns its client. Reconnecting an
// account replaces the previous client; the old inbound channel is closed.
func (h *Hub) Connect(account string) *Client {
	c := &Client{
		hub:     h,
		account: account,
		inbound: make(chan transport.Inbound, inboundBuffer),
	}
	h.mu.Lock()
	if old, ok := h.clients[account]; ok {
		close(old.inbound)
	}
	h.clients[account] = c
	h.mu.Unlock()
	return c
}

// CreateRoom creates a room with the given member accounts. Adding members
// to an existing room is cumulative.
func (h *Hub) CreateRoom(roomID string, members ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[roomID] = room
	}
	for _, m := range members {
		room[m] = struct{}{}
	}
}

// Join adds an account to a room, creating the room if needed.
func (h *Hub) Join(roomID, account string) {
	h.CreateRoom(roomID, account)
}

// Leave removes an account from a room.
func (h *Hub) Leave(roomID, account string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomID]; ok {
		delete(room, account)
	}
}

func (h *Hub) roomMembers(roomID string) ([]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(room))
	for m := range room {
		out = append(out, m)
	}
	return out, true
}

// deliver hands one message to a recipient's mailbox asynchronously. There
// is no ordering guarantee across recipients or across messages.
func (h *Hub) deliver(recipient string, in transport.Inbound) {
	h.mu.Lock()
	client, ok := h.clients[recipient]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug().Str("recipient", recipient).Msg("recipient offline, message lost")
		return
	}
	go func() {
		select {
		case client.inbound <- in:
		default:
			h.logger.Warn().Str("recipient", recipient).Msg("mailbox full, message lost")
		}
	}()
}

// Client is one connected account. It implements transport.Transport.
type Client struct {
	hub     *Hub
	account string
	inbound chan transport.Inbound
}

func (c *Client) Account() string { return c.account }

// ResolveFeed maps a principal to a feed: rooms are looked up on send,
// account lists form a direct conversation on demand.
func (c *Client) ResolveFeed(ctx context.Context, target principal.Principal) (transport.Feed, error) {
	if target.IsZero() {
		return nil, fmt.Errorf("chat: unaddressable principal")
	}
	return &feed{hub: c.hub, sender: c.account, target: target}, nil
}

func (c *Client) Inbound() <-chan transport.Inbound { return c.inbound }

// Close disconnects the account and closes its inbound channel.
func (c *Client) Close() {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.hub.clients[c.account] == c {
		delete(c.hub.clients, c.account)
		close(c.inbound)
	}
}

type feed struct {
	hub    *Hub
	sender string
	target principal.Principal
}

func (f *feed) ID() string {
	return f.hub.norm.Display(f.target)
}

// Open verifies the feed is sendable. Rooms must exist; direct conversations
// always do.
func (f *feed) Open(ctx context.Context) error {
	if !f.target.IsRoom() {
		return nil
	}
	if _, ok := f.hub.roomMembers(f.target.Room); !ok {
		return fmt.Errorf("chat: no such room %s", f.target.Room)
	}
	return nil
}

// Send fans the payload out to every member except the sender. Each delivery
// is asynchronous; a direct recipient sees the conversation under the
// sender's address, a room recipient under the room's.
func (f *feed) Send(ctx context.Context, payload []byte) error {
	senderAddr := f.hub.norm.Display(principal.Account(f.sender))

	if f.target.IsRoom() {
		members, ok := f.hub.roomMembers(f.target.Room)
		if !ok {
			return fmt.Errorf("chat: no such room %s", f.target.Room)
		}
		roomAddr := f.ID()
		for _, m := range members {
			if m == f.sender {
				continue
			}
			f.hub.deliver(m, transport.Inbound{
				SenderID: senderAddr,
				FeedID:   roomAddr,
				Payload:  payload,
			})
		}
		return nil
	}

	for _, account := range f.target.Accounts {
		if account == f.sender {
			continue
		}
		f.hub.deliver(account, transport.Inbound{
			SenderID: senderAddr,
			FeedID:   senderAddr,
			Payload:  payload,
		})
	}
	return nil
}

// Members lists the feed's current member addresses in transport form.
func (f *feed) Members(ctx context.Context) ([]string, error) {
	if f.target.IsRoom() {
		members, ok := f.hub.roomMembers(f.target.Room)
		if !ok {
			return nil, fmt.Errorf("chat: no such room %s", f.target.Room)
		}
		out := make([]string, 0, len(members))
		for _, m := range members {
			out = append(out, f.hub.norm.Display(principal.Account(m)))
		}
		return out, nil
	}
	out := make([]string, 0, len(f.target.Accounts))
	for _, a := range f.target.Accounts {
		out = append(out, f.hub.norm.Display(principal.Account(a)))
	}
	return out, nil
}
