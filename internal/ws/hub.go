// Package ws exposes the realtime notifier: a websocket hub that relays bus
// events to connected clients, scoped by session rooms, and accepts a small
// set of client actions (joining a room, queueing an outgoing text, asking
// for a media redownload).
package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/facilitys/backwhatsapp-baileys/internal/bus"
	"github.com/facilitys/backwhatsapp-baileys/internal/engine"
	"github.com/facilitys/backwhatsapp-baileys/internal/media"
	"github.com/facilitys/backwhatsapp-baileys/internal/store"
)

// Frame is one message pushed to a websocket client.
type Frame struct {
	Event   string `json:"event"`
	Session string `json:"session,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Action is one command received from a websocket client.
type Action struct {
	Action     string `json:"action"`
	SessionKey string `json:"sessionKey,omitempty"`
	To         string `json:"to,omitempty"`
	Text       string `json:"text,omitempty"`
	MessageID  int64  `json:"messageId,omitempty"`
}

// HandleResolver maps a session key to its live engine connection.
type HandleResolver interface {
	HandleFor(sessionKey string) engine.Handle
}

type joinReq struct {
	client  *Client
	session string
}

// Hub fans bus events out to registered clients. All client bookkeeping
// happens on the Run goroutine; register, unregister and join requests are
// serialized through channels.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	join       chan joinReq
	done       chan struct{}

	db       *store.DB
	handles  HandleResolver
	resolver *media.Resolver
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewHub creates a hub wired to the bus and the session supervisor.
func NewHub(db *store.DB, handles HandleResolver, resolver *media.Resolver, b *bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan joinReq),
		done:       make(chan struct{}),
		db:         db,
		handles:    handles,
		resolver:   resolver,
		bus:        b,
		logger:     logger,
	}
}

// Run pumps bus events to clients until ctx is cancelled. When it returns
// the done channel is closed, releasing any pump goroutine still trying to
// reach the hub.
func (h *Hub) Run(ctx context.Context) {
	events, unsub := h.bus.Subscribe("", 256)
	defer unsub()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case req := <-h.join:
			if _, ok := h.clients[req.client]; ok {
				req.client.rooms[req.session] = true
			}
		case evt := <-events:
			h.broadcast(evt)
		}
	}
}

func (h *Hub) broadcast(evt bus.Event) {
	frame, err := json.Marshal(Frame{Event: evt.Kind, Session: evt.Session, Data: evt.Payload})
	if err != nil {
		h.logger.Error("failed to encode frame", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	for client := range h.clients {
		if evt.Session != "" && !client.rooms[evt.Session] {
			continue
		}
		select {
		case client.send <- frame:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// handleAction runs on a client's read goroutine, so anything touching the
// hub's client map must go through the channels instead.
func (h *Hub) handleAction(ctx context.Context, c *Client, raw []byte) {
	var act Action
	if err := json.Unmarshal(raw, &act); err != nil {
		c.reply(Frame{Event: "error", Data: map[string]string{"error": "malformed action"}})
		return
	}

	switch act.Action {
	case "joinSession":
		select {
		case h.join <- joinReq{client: c, session: act.SessionKey}:
		case <-h.done:
		}
	case "sendMessage":
		h.queueText(c, act)
	case "redownloadImage", "redownloadAudio", "redownloadVideo", "redownloadDocument":
		h.redownload(ctx, c, act)
	default:
		c.reply(Frame{Event: "error", Data: map[string]string{"error": "unknown action " + act.Action}})
	}
}

// attach registers a client with the run loop. false after shutdown.
func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// detach hands a client back to the run loop for removal, without blocking
// when the loop has already exited.
func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) queueText(c *Client, act Action) {
	if act.SessionKey == "" || act.To == "" || act.Text == "" {
		c.reply(Frame{Event: "error", Data: map[string]string{"error": "sendMessage needs sessionKey, to and text"}})
		return
	}
	clientMsgID := uuid.NewString()
	if err := h.db.QueueOutbox(clientMsgID, act.SessionKey, act.To, act.Text, c.userID); err != nil {
		h.logger.Error("failed to queue outgoing text", zap.Error(err))
		c.reply(Frame{Event: "error", Data: map[string]string{"error": "could not queue message"}})
		return
	}
	c.reply(Frame{
		Event:   "outbox.queued",
		Session: act.SessionKey,
		Data:    map[string]string{"client_msg_id": clientMsgID},
	})
}

// redownload rebuilds the media payload from the persisted row and fetches
// the bytes again over the session's live connection. The resulting file
// replaces whatever was on disk for that message.
func (h *Hub) redownload(ctx context.Context, c *Client, act Action) {
	row, err := h.db.GetMessage(c.userID, act.MessageID)
	if err != nil || row == nil {
		c.reply(Frame{Event: "error", Data: map[string]string{"error": "message not found"}})
		return
	}

	handle := h.handles.HandleFor(row.SessionKey)
	if handle == nil {
		c.reply(Frame{Event: "error", Data: map[string]string{"error": "session offline"}})
		return
	}

	asset, err := h.resolver.Redownload(ctx, handle, row.Content, row.MessageID)
	if err != nil {
		h.logger.Error("media redownload failed",
			zap.String("message_id", row.MessageID), zap.Error(err))
		c.reply(Frame{Event: "error", Data: map[string]string{"error": "download failed"}})
		return
	}

	c.reply(Frame{
		Event:   "media.resolved",
		Session: row.SessionKey,
		Data: map[string]any{
			"messageId": row.MessageID,
			"fileUrl":   asset.URL,
			"mimetype":  asset.MimeType,
			"duration":  asset.Duration,
			"caption":   asset.Caption,
			"timestamp": time.Now().UnixMilli(),
		},
	})
}
