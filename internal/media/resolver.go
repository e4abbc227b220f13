// Package media materializes message attachments on local disk. Local
// files are disposable: everything needed to fetch the bytes again lives
// in the persisted message row, so the resolver can rebuild a minimal
// payload and re-download without re-contacting the original sender.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"

	"github.com/facilitys/backwhatsapp-baileys/internal/wa"
)

// Fetcher is the engine capability needed to obtain decrypted media bytes.
type Fetcher interface {
	DownloadMedia(ctx context.Context, payload *waE2E.Message) ([]byte, error)
}

// Asset describes one materialized media file.
type Asset struct {
	Category Category
	FileName string
	FilePath string
	MimeType string
	URL      string
	Duration uint32
	Caption  string
}

// Resolver downloads, decrypts and stores media under per-category roots.
type Resolver struct {
	root   string
	logger *zap.Logger
}

// NewResolver creates a resolver rooted at dir, creating the category
// directories up front.
func NewResolver(dir string, logger *zap.Logger) (*Resolver, error) {
	for _, c := range []Category{Image, Audio, Video, Document} {
		if err := os.MkdirAll(filepath.Join(dir, string(c)), 0700); err != nil {
			return nil, fmt.Errorf("create media dir %s: %w", c, err)
		}
	}
	return &Resolver{root: dir, logger: logger}, nil
}

// FilePath returns the on-disk path for a stored file name.
func (r *Resolver) FilePath(category Category, fileName string) string {
	return filepath.Join(r.root, string(category), filepath.Base(fileName))
}

// Resolve fetches the media referenced by payload and writes it under the
// category root. arrival and messageID derive the file name; the payload's
// declared mimetype picks the extension.
func (r *Resolver) Resolve(ctx context.Context, f Fetcher, payload *waE2E.Message, messageID string, arrival time.Time) (*Asset, error) {
	variant := wa.DetectVariant(payload)
	category, ok := CategoryForVariant(variant)
	if !ok {
		return nil, fmt.Errorf("variant %q is not a media kind", variant)
	}

	info := describe(payload, category)
	ext := ExtensionFor(category, info.mimeType)
	fileName := fmt.Sprintf("%d-%s.%s", arrival.UnixMilli(), messageID, ext)
	filePath := r.FilePath(category, fileName)

	data, err := f.DownloadMedia(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return nil, fmt.Errorf("write media file: %w", err)
	}

	r.logger.Info("media stored",
		zap.String("category", string(category)),
		zap.String("file", fileName),
		zap.Int("bytes", len(data)))

	return &Asset{
		Category: category,
		FileName: fileName,
		FilePath: filePath,
		MimeType: info.mimeType,
		URL:      fmt.Sprintf("/uploads/%s/%s", category.Code(), fileName),
		Duration: info.seconds,
		Caption:  info.caption,
	}, nil
}

// Redownload rebuilds a minimal payload from a persisted row's raw content
// and fetches the bytes again. rawContent is the serialized payload stored
// as the row's content.
func (r *Resolver) Redownload(ctx context.Context, f Fetcher, rawContent, messageID string) (*Asset, error) {
	payload, err := RebuildPayload(rawContent)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, f, payload, messageID, time.Now())
}

// RebuildPayload reconstructs a payload carrying just the embedded media
// sub-message from stored raw content. It fails when the content holds no
// media payload (e.g. a plain text row).
func RebuildPayload(rawContent string) (*waE2E.Message, error) {
	stored, err := wa.UnmarshalRaw([]byte(rawContent))
	if err != nil {
		return nil, fmt.Errorf("parse stored content: %w", err)
	}

	switch {
	case stored.GetImageMessage() != nil:
		return &waE2E.Message{ImageMessage: stored.GetImageMessage()}, nil
	case stored.GetAudioMessage() != nil:
		return &waE2E.Message{AudioMessage: stored.GetAudioMessage()}, nil
	case stored.GetVideoMessage() != nil:
		return &waE2E.Message{VideoMessage: stored.GetVideoMessage()}, nil
	case stored.GetDocumentMessage() != nil:
		return &waE2E.Message{DocumentMessage: stored.GetDocumentMessage()}, nil
	case stored.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage() != nil:
		return &waE2E.Message{DocumentMessage: stored.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage()}, nil
	}
	return nil, fmt.Errorf("stored content has no media payload")
}

type mediaInfo struct {
	mimeType string
	seconds  uint32
	caption  string
}

func describe(payload *waE2E.Message, category Category) mediaInfo {
	switch category {
	case Audio:
		a := payload.GetAudioMessage()
		return mediaInfo{mimeType: a.GetMimetype(), seconds: a.GetSeconds()}
	case Video:
		v := payload.GetVideoMessage()
		return mediaInfo{mimeType: v.GetMimetype(), seconds: v.GetSeconds(), caption: v.GetCaption()}
	case Document:
		d := payload.GetDocumentMessage()
		if d == nil {
			d = payload.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage()
		}
		return mediaInfo{mimeType: d.GetMimetype(), caption: d.GetCaption()}
	default:
		i := payload.GetImageMessage()
		return mediaInfo{mimeType: i.GetMimetype(), caption: i.GetCaption()}
	}
}
