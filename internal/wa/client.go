package wa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/facilitys/backwhatsapp-baileys/internal/config"
	"github.com/facilitys/backwhatsapp-baileys/internal/engine"

	_ "github.com/mattn/go-sqlite3"
)

// Dialer creates whatsmeow-backed engine handles, one credential store per
// session key.
type Dialer struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewDialer creates a new engine dialer.
func NewDialer(cfg *config.Config, logger *zap.Logger) *Dialer {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("BackWhatsApp", [3]uint32{0, 1, 0})
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial opens the session's credential store, builds a client and starts the
// connection. The returned handle streams engine events until Close.
func (d *Dialer) Dial(ctx context.Context, sessionKey string) (engine.Handle, error) {
	dbPath := d.cfg.SessionDBPath(sessionKey)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(device, nil)

	h := &handle{
		client: client,
		device: device,
		events: make(chan any, 256),
		logger: d.logger.With(zap.String("session", sessionKey)),
	}
	client.AddEventHandler(h.translate)

	if client.Store.ID == nil {
		// Fresh credentials: drive the QR pairing flow. GetQRChannel must
		// be called before Connect.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("get QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		go h.pumpQR(qrChan)
	} else {
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	return h, nil
}

// handle adapts one whatsmeow client to the engine.Handle contract.
type handle struct {
	client *whatsmeow.Client
	device *wastore.Device
	events chan any
	logger *zap.Logger
}

func (h *handle) Events() <-chan any { return h.events }

func (h *handle) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			h.emit(engine.QRChallenge{Code: item.Code})
		case "timeout":
			h.emit(engine.ConnectionClosed{Reason: "qr timeout"})
		case "success":
			// ConnectionOpen follows from the Connected event.
		default:
			if item.Error != nil {
				h.emit(engine.ConnectionClosed{Reason: item.Error.Error()})
			}
		}
	}
}

func (h *handle) translate(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		if h.client.Store.ID != nil {
			h.emit(engine.ConnectionOpen{Identity: h.client.Store.ID.String()})
		}
	case *events.PairSuccess:
		// Pairing writes fresh key material.
		h.emit(engine.CredentialsUpdated{})
	case *events.Disconnected:
		h.emit(engine.ConnectionClosed{Reason: "transport closed"})
	case *events.LoggedOut:
		h.emit(engine.ConnectionClosed{LoggedOut: true, Reason: evt.Reason.String()})
	case *events.Message:
		h.emit(engine.InboundMessage{
			ID:        evt.Info.ID,
			RemoteJID: evt.Info.Chat.ToNonAD().String(),
			PushName:  evt.Info.PushName,
			FromMe:    evt.Info.IsFromMe,
			Timestamp: evt.Info.Timestamp,
			Payload:   evt.Message,
		})
	case *events.HistorySync:
		h.translateHistory(evt)
	}
}

// translateHistory feeds replayed history through the same event stream as
// live messages; the pipeline's dedup and staleness gates make that safe.
func (h *handle) translateHistory(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}
	for _, conv := range data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			h.emit(engine.InboundMessage{
				ID:        wmsg.GetKey().GetID(),
				RemoteJID: chatJID.ToNonAD().String(),
				FromMe:    wmsg.GetKey().GetFromMe(),
				Timestamp: time.Unix(int64(wmsg.GetMessageTimestamp()), 0),
				Payload:   wmsg.GetMessage(),
			})
		}
	}
}

func (h *handle) emit(evt any) {
	select {
	case h.events <- evt:
	default:
		h.logger.Warn("event buffer full, dropping engine event")
	}
}

func (h *handle) SendText(ctx context.Context, toJID, text string) (string, error) {
	to, err := types.ParseJID(toJID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := h.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

func (h *handle) SendMedia(ctx context.Context, toJID string, m engine.Media) (string, error) {
	to, err := types.ParseJID(toJID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}

	uploaded, err := h.client.Upload(ctx, m.Data, uploadKind(m.Kind))
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	msg := buildMediaMessage(m, uploaded)
	resp, err := h.client.SendMessage(ctx, to, msg)
	if err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}
	return resp.ID, nil
}

func uploadKind(k engine.MediaKind) whatsmeow.MediaType {
	switch k {
	case engine.MediaAudio:
		return whatsmeow.MediaAudio
	case engine.MediaVideo:
		return whatsmeow.MediaVideo
	case engine.MediaDocument:
		return whatsmeow.MediaDocument
	default:
		return whatsmeow.MediaImage
	}
}

func buildMediaMessage(m engine.Media, up whatsmeow.UploadResponse) *waE2E.Message {
	switch m.Kind {
	case engine.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Seconds:       proto.Uint32(m.Seconds),
			PTT:           proto.Bool(true),
		}}
	case engine.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(m.Caption),
			Seconds:       proto.Uint32(m.Seconds),
		}}
	case engine.MediaDocument:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			FileName:      proto.String(m.FileName),
			Caption:       proto.String(m.Caption),
		}}
	default:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Caption:       proto.String(m.Caption),
		}}
	}
}

func (h *handle) DownloadMedia(ctx context.Context, payload *waE2E.Message) ([]byte, error) {
	data, err := h.client.DownloadAny(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

func (h *handle) SaveCredentials(ctx context.Context) error {
	return h.device.Save(ctx)
}

func (h *handle) RemoveCredentials(ctx context.Context) error {
	return h.device.Delete(ctx)
}

func (h *handle) Close() {
	h.client.RemoveEventHandlers()
	h.client.Disconnect()
}
