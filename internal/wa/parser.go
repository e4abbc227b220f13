package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/encoding/protojson"
)

// ExtractContent returns the persisted content for a payload: plain
// conversation text, extended text, or the serialized raw payload when no
// text variant is present. The raw form is what the media resolver later
// rebuilds a payload from.
func ExtractContent(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil && ext.GetText() != "" {
		return ext.GetText()
	}
	raw, err := MarshalRaw(msg)
	if err != nil {
		return ""
	}
	return string(raw)
}

// DetectVariant returns the first payload-variant key present, or "unknown".
func DetectVariant(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "":
		return "conversation"
	case msg.GetExtendedTextMessage() != nil:
		return "extendedTextMessage"
	case msg.GetImageMessage() != nil:
		return "imageMessage"
	case msg.GetVideoMessage() != nil:
		return "videoMessage"
	case msg.GetAudioMessage() != nil:
		return "audioMessage"
	case msg.GetDocumentMessage() != nil:
		return "documentMessage"
	case msg.GetDocumentWithCaptionMessage() != nil:
		return "documentWithCaptionMessage"
	case msg.GetStickerMessage() != nil:
		return "stickerMessage"
	case msg.GetContactMessage() != nil:
		return "contactMessage"
	case msg.GetLocationMessage() != nil:
		return "locationMessage"
	default:
		return "unknown"
	}
}

// MarshalRaw serializes a payload for storage.
func MarshalRaw(msg *waE2E.Message) ([]byte, error) {
	return protojson.Marshal(msg)
}

// UnmarshalRaw rebuilds a payload from stored content. Inverse of
// MarshalRaw; used by the media redownload path.
func UnmarshalRaw(raw []byte) (*waE2E.Message, error) {
	var msg waE2E.Message
	if err := protojson.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
