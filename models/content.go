package models

import (
	"errors"
	"strings"
)

// ContentKind tags the message content variant.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
	KindFile  ContentKind = "file"
)

var ErrUnknownKind = errors.New("unknown content kind")

// Content is either Text (Text set) or File (URL and MimeType set, Kind image or file).
// The kind is fixed when the message is created and never re-derived from the value.
type Content struct {
	Kind     ContentKind
	Text     string
	URL      string
	MimeType string
}

func TextContent(text string) Content {
	return Content{Kind: KindText, Text: text}
}

// FileContent builds a file variant. kind comes from the upload response; when it is
// empty the MIME type decides between image and file.
func FileContent(url string, kind ContentKind, mimeType string) Content {
	if kind != KindImage && kind != KindFile {
		kind = KindFromMime(mimeType)
	}
	return Content{Kind: kind, URL: url, MimeType: mimeType}
}

// KindFromMime classifies an uploaded file by its MIME type.
func KindFromMime(mimeType string) ContentKind {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/") {
		return KindImage
	}
	return KindFile
}

// ClassifyContent maps the wire fields onto the variant. An empty kind with no file type
// is text.
func ClassifyContent(value string, kind ContentKind, fileType string) (Content, error) {
	switch kind {
	case "":
		if fileType == "" {
			return TextContent(value), nil
		}
		return FileContent(value, "", fileType), nil
	case KindText:
		return TextContent(value), nil
	case KindImage, KindFile:
		return FileContent(value, kind, fileType), nil
	}
	return Content{}, ErrUnknownKind
}

// Value is the persisted string: the text body or the file URL.
func (c Content) Value() string {
	if c.IsFile() {
		return c.URL
	}
	return c.Text
}

func (c Content) IsFile() bool {
	return c.Kind == KindImage || c.Kind == KindFile
}

func (c Content) Empty() bool {
	return strings.TrimSpace(c.Value()) == ""
}
