// Package engine defines the contract consumed from the external protocol
// engine: dialing a session, the inbound event stream, media fetch, and the
// credential callbacks. The supervisor and pipeline depend only on this
// package; the whatsmeow-backed implementation lives in internal/wa.
package engine

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// QRChallenge is emitted when the engine needs the user to scan a code.
type QRChallenge struct {
	Code string
}

// ConnectionOpen is emitted once the wire handshake and auth complete.
// Identity is the full account JID (e.g. "5511999990000:12@s.whatsapp.net").
type ConnectionOpen struct {
	Identity string
}

// ConnectionClosed is emitted when the transport drops. LoggedOut marks the
// terminal case: credentials are invalid and must be purged.
type ConnectionClosed struct {
	LoggedOut bool
	Reason    string
}

// CredentialsUpdated is emitted whenever the engine rotates key material.
// The consumer must invoke SaveCredentials synchronously on receipt.
type CredentialsUpdated struct{}

// InboundMessage is one message event produced by the engine, consumed once.
type InboundMessage struct {
	ID        string
	RemoteJID string
	PushName  string
	FromMe    bool
	Timestamp time.Time
	Payload   *waE2E.Message
}

// MediaKind names an outgoing media category.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Media is an outgoing media attachment.
type Media struct {
	Kind     MediaKind
	Data     []byte
	MimeType string
	Caption  string
	FileName string
	Seconds  uint32
}

// Handle is one live engine connection. Events delivers QRChallenge,
// ConnectionOpen, ConnectionClosed, CredentialsUpdated and InboundMessage
// values until Close; consume it from a single receive loop.
type Handle interface {
	Events() <-chan any

	SendText(ctx context.Context, toJID, text string) (serverMsgID string, err error)
	SendMedia(ctx context.Context, toJID string, m Media) (serverMsgID string, err error)

	// DownloadMedia fetches and decrypts the media bytes referenced by a
	// message payload. The payload may be reconstructed from a persisted
	// row; only the embedded media keys are required.
	DownloadMedia(ctx context.Context, payload *waE2E.Message) ([]byte, error)

	SaveCredentials(ctx context.Context) error
	RemoveCredentials(ctx context.Context) error

	Close()
}

// Dialer constructs engine handles. Dial failure is the only fault the
// session-start caller ever sees.
type Dialer interface {
	Dial(ctx context.Context, sessionKey string) (Handle, error)
}
