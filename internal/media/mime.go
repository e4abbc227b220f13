package media

import "strings"

// Category names a media storage category.
type Category string

const (
	Image    Category = "image"
	Audio    Category = "audio"
	Video    Category = "video"
	Document Category = "document"
)

// Code returns the short path segment used in retrieval URLs.
func (c Category) Code() string {
	switch c {
	case Video:
		return "v"
	case Audio:
		return "a"
	case Document:
		return "d"
	default:
		return "m"
	}
}

// CategoryForCode is the inverse of Code. ok is false for unknown codes.
func CategoryForCode(code string) (Category, bool) {
	switch code {
	case "v":
		return Video, true
	case "a":
		return Audio, true
	case "d":
		return Document, true
	case "m":
		return Image, true
	}
	return "", false
}

// CategoryForVariant maps a message-type variant to its media category.
// ok is false for non-media variants.
func CategoryForVariant(variant string) (Category, bool) {
	switch variant {
	case "imageMessage":
		return Image, true
	case "audioMessage":
		return Audio, true
	case "videoMessage":
		return Video, true
	case "documentMessage", "documentWithCaptionMessage":
		return Document, true
	}
	return "", false
}

var documentExtensions = map[string]string{
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       "xlsx",
	"application/vnd.ms-powerpoint":                                           "ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"application/vnd.oasis.opendocument.text":        "odt",
	"application/vnd.oasis.opendocument.spreadsheet": "ods",
	"application/rtf":  "rtf",
	"application/json": "json",
	"application/xml":  "xml",
	"text/xml":         "xml",
	"application/zip":  "zip",
	"text/plain":       "txt",
	"text/csv":         "csv",
}

// ExtensionFor resolves a file extension from a category and declared
// mimetype. Unknown document mimetypes fall back to "bin".
func ExtensionFor(category Category, mimeType string) string {
	switch category {
	case Document:
		// Declared mimetypes may carry parameters ("; codecs=..."), so
		// match on the bare type.
		bare := mimeType
		if i := strings.Index(bare, ";"); i >= 0 {
			bare = strings.TrimSpace(bare[:i])
		}
		if ext, ok := documentExtensions[bare]; ok {
			return ext
		}
		return "bin"
	case Audio:
		if strings.Contains(mimeType, "ogg") {
			return "ogg"
		}
		return "mp3"
	case Video:
		if strings.Contains(mimeType, "ogg") {
			return "ogg"
		}
		return "mp4"
	default:
		switch {
		case strings.Contains(mimeType, "png"):
			return "png"
		case strings.Contains(mimeType, "gif"):
			return "gif"
		default:
			return "jpg"
		}
	}
}

// ContentTypeFor maps a stored file name back to a response content type,
// by extension, for the upload-serving endpoint.
func ContentTypeFor(category Category, fileName string) string {
	ext := ""
	if i := strings.LastIndex(fileName, "."); i >= 0 {
		ext = fileName[i+1:]
	}
	switch category {
	case Video:
		switch ext {
		case "ogg":
			return "video/ogg"
		default:
			return "video/mp4"
		}
	case Audio:
		switch ext {
		case "ogg":
			return "audio/ogg"
		case "wav":
			return "audio/wav"
		default:
			return "audio/mpeg"
		}
	case Document:
		for mime, e := range documentExtensions {
			if e == ext {
				return mime
			}
		}
		return "application/octet-stream"
	default:
		switch ext {
		case "png":
			return "image/png"
		case "gif":
			return "image/gif"
		default:
			return "image/jpeg"
		}
	}
}
