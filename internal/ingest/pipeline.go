package ingest

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/facilitys/backwhatsapp-baileys/internal/bus"
	"github.com/facilitys/backwhatsapp-baileys/internal/engine"
	"github.com/facilitys/backwhatsapp-baileys/internal/media"
	"github.com/facilitys/backwhatsapp-baileys/internal/registry"
	"github.com/facilitys/backwhatsapp-baileys/internal/store"
	"github.com/facilitys/backwhatsapp-baileys/internal/wa"
)

// NewMessage is the bus payload published for every persisted message.
type NewMessage struct {
	RowID      int64  `json:"id"`
	MessageID  string `json:"messageId"`
	SessionKey string `json:"sessionKey"`
	RemoteJID  string `json:"remoteJid"`
	PushName   string `json:"pushName"`
	FromMe     bool   `json:"fromMe"`
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	FileURL    string `json:"fileUrl,omitempty"`
	MimeType   string `json:"mimetype,omitempty"`
	Duration   uint32 `json:"duration,omitempty"`
	Caption    string `json:"caption,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	UserID     int64  `json:"userId"`
}

// NewContact is the bus payload published when a contact row is first created.
type NewContact struct {
	RowID       int64  `json:"id"`
	ContactJID  string `json:"contactJid"`
	PhoneNumber string `json:"phoneNumber"`
	JID         string `json:"jid"`
	UserID      int64  `json:"userId"`
}

// MediaFailure is the bus payload published when a media download fails
// after the message row has already been persisted.
type MediaFailure struct {
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	UserID    int64  `json:"userId"`
}

// Pipeline runs every inbound message through a fixed gate sequence:
// session resolution, dedup, staleness, classification, persistence,
// contact upkeep and media resolution. Gates before persistence drop the
// event; failures after it are logged and do not undo the insert.
type Pipeline struct {
	db       *store.DB
	reg      *registry.Registry
	resolver *media.Resolver
	bus      *bus.Bus
	logger   *zap.Logger
	window   time.Duration
	now      func() time.Time
}

// New creates a pipeline. stalenessHours bounds how old an inbound
// message may be and still be persisted.
func New(db *store.DB, reg *registry.Registry, resolver *media.Resolver, b *bus.Bus, logger *zap.Logger, stalenessHours int) *Pipeline {
	return &Pipeline{
		db:       db,
		reg:      reg,
		resolver: resolver,
		bus:      b,
		logger:   logger,
		window:   time.Duration(stalenessHours) * time.Hour,
		now:      time.Now,
	}
}

// Ingest processes one inbound message delivered on sessionKey. The fetcher
// is the live connection the event arrived on; it is only used when the
// message carries media. Ingest never returns an error: infrastructure
// faults yield InfraError and are logged, so the receive loop keeps going.
func (p *Pipeline) Ingest(ctx context.Context, sessionKey string, f media.Fetcher, evt engine.InboundMessage) Outcome {
	if evt.ID == "" || evt.RemoteJID == "" || evt.Payload == nil {
		p.logger.Debug("dropping malformed inbound event",
			zap.String("session", sessionKey), zap.String("id", evt.ID))
		return Invalid
	}

	entry := p.resolveSession(sessionKey)
	if entry == nil {
		// No authenticated identity behind this key yet; nothing may be
		// persisted before the connection-open handshake completes.
		p.logger.Debug("dropping message for unresolved session",
			zap.String("session", sessionKey), zap.String("id", evt.ID))
		return Invalid
	}

	exists, err := p.db.MessageExists(evt.ID, entry.Key)
	if err != nil {
		p.logger.Error("dedup lookup failed",
			zap.String("id", evt.ID), zap.Error(err))
		return InfraError
	}
	if exists {
		return Duplicate
	}

	arrival := evt.Timestamp
	if arrival.IsZero() {
		arrival = p.now()
	}
	if p.now().Sub(arrival) > p.window {
		p.logger.Debug("dropping stale message",
			zap.String("id", evt.ID), zap.Time("timestamp", arrival))
		return Stale
	}

	// The account side of a row is always the placeholder "me"; the real
	// account identity travels in the phone_number and account_jid columns.
	sender, recipient := "me", evt.RemoteJID
	if !evt.FromMe {
		sender, recipient = evt.RemoteJID, "me"
	}
	content := wa.ExtractContent(evt.Payload)
	variant := wa.DetectVariant(evt.Payload)

	rowID, err := p.db.InsertMessage(&store.Message{
		MessageID:      evt.ID,
		SenderJID:      sender,
		RecipientJID:   recipient,
		Content:        content,
		MessageType:    variant,
		TimestampMilli: arrival.UnixMilli(),
		SessionKey:     entry.Key,
		PhoneNumber:    entry.PhoneNumber,
		AccountJID:     entry.AccountJID,
		UserID:         entry.UserID,
	})
	if err != nil {
		p.logger.Error("message insert failed",
			zap.String("id", evt.ID), zap.Error(err))
		return InfraError
	}

	outcome := classify(evt.RemoteJID)
	if outcome == InsertedIndividual {
		p.upsertContact(entry, evt.RemoteJID, arrival)
	}

	p.dispatch(ctx, entry, f, evt, rowID, variant, content, arrival)
	return outcome
}

// resolveSession returns the live entry for key, following the pending
// index when the event arrived under a pre-rekey token. Nil means no
// authenticated session backs this key.
func (p *Pipeline) resolveSession(key string) *registry.Entry {
	entry := p.reg.Get(key)
	if entry != nil && entry.PhoneNumber != "" {
		return entry
	}
	effective, ok := p.reg.ResolveEffective(key)
	if !ok {
		return nil
	}
	entry = p.reg.Get(effective)
	if entry == nil || entry.PhoneNumber == "" {
		return nil
	}
	return entry
}

func classify(remoteJID string) Outcome {
	switch {
	case strings.HasSuffix(remoteJID, "@s.whatsapp.net"):
		return InsertedIndividual
	case strings.HasSuffix(remoteJID, "@g.us"):
		return InsertedGroup
	default:
		return InsertedBroadcast
	}
}

func (p *Pipeline) upsertContact(entry *registry.Entry, contactJID string, seen time.Time) {
	id, err := p.db.UpsertContact(&store.Contact{
		ContactJID:    contactJID,
		UserID:        entry.UserID,
		PhoneNumber:   entry.PhoneNumber,
		JID:           entry.AccountJID,
		LastSeenMilli: seen.UnixMilli(),
	})
	if err != nil {
		p.logger.Error("contact upsert failed",
			zap.String("contact", contactJID), zap.Error(err))
		return
	}
	if id == 0 {
		return
	}
	p.bus.Publish(bus.Event{
		Kind:      "contact.new",
		Session:   entry.Key,
		Timestamp: p.now(),
		Payload: NewContact{
			RowID:       id,
			ContactJID:  contactJID,
			PhoneNumber: entry.PhoneNumber,
			JID:         entry.AccountJID,
			UserID:      entry.UserID,
		},
	})
}

// dispatch publishes the persisted message, resolving media to a local
// file first when the variant calls for it.
func (p *Pipeline) dispatch(ctx context.Context, entry *registry.Entry, f media.Fetcher, evt engine.InboundMessage, rowID int64, variant, content string, arrival time.Time) {
	msg := NewMessage{
		RowID:      rowID,
		MessageID:  evt.ID,
		SessionKey: entry.Key,
		RemoteJID:  evt.RemoteJID,
		PushName:   evt.PushName,
		FromMe:     evt.FromMe,
		Type:       variant,
		Timestamp:  arrival.UnixMilli(),
		UserID:     entry.UserID,
	}

	if _, isMedia := media.CategoryForVariant(variant); isMedia && f != nil {
		asset, err := p.resolver.Resolve(ctx, f, evt.Payload, evt.ID, arrival)
		if err != nil {
			p.logger.Error("media download failed",
				zap.String("id", evt.ID), zap.String("type", variant), zap.Error(err))
			p.bus.Publish(bus.Event{
				Kind:      "media.error",
				Session:   entry.Key,
				Timestamp: p.now(),
				Payload: MediaFailure{
					MessageID: evt.ID,
					Type:      variant,
					Reason:    err.Error(),
					UserID:    entry.UserID,
				},
			})
			return
		}
		msg.FileURL = asset.URL
		msg.MimeType = asset.MimeType
		msg.Duration = asset.Duration
		msg.Caption = asset.Caption
	} else {
		msg.Text = content
	}

	p.bus.Publish(bus.Event{
		Kind:      "message.new",
		Session:   entry.Key,
		Timestamp: p.now(),
		Payload:   msg,
	})
}
