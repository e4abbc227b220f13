package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/facilitys/backwhatsapp-baileys/internal/bus"
	"github.com/facilitys/backwhatsapp-baileys/internal/engine"
	"github.com/facilitys/backwhatsapp-baileys/internal/store"
)

// HandleResolver maps a session key to its live engine connection, or nil
// when the session is not running.
type HandleResolver interface {
	HandleFor(sessionKey string) engine.Handle
}

// Sender drains the outbox, routing each entry through the live connection
// of the session it was queued on. Entries whose session is offline stay
// queued and are retried on the next tick.
type Sender struct {
	db       *store.DB
	resolver HandleResolver
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, resolver HandleResolver, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		resolver: resolver,
		bus:      b,
		logger:   logger,
	}
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		h := s.resolver.HandleFor(entry.SessionKey)
		if h == nil {
			// Session offline; leave the entry queued for the next tick.
			continue
		}

		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		serverMsgID, err := h.SendText(ctx, entry.RecipientJID, entry.Body)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.bus.Publish(bus.Event{
				Kind:      "outbox.failed",
				Session:   entry.SessionKey,
				Timestamp: time.Now(),
				Payload: map[string]string{
					"client_msg_id": entry.ClientMsgID,
					"error":         err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}

		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", serverMsgID))
		s.bus.Publish(bus.Event{
			Kind:      "outbox.sent",
			Session:   entry.SessionKey,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_msg_id": entry.ClientMsgID,
				"server_msg_id": serverMsgID,
			},
		})
	}
}
