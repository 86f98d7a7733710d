package models

import (
	"strings"
	"time"
)

// ArtifactRefPrefix prefixes every external artifact reference.
const ArtifactRefPrefix = "artifact:"

// ArtifactRef builds the external reference for an artifact id.
func ArtifactRef(id string) string {
	return ArtifactRefPrefix + id
}

// ParseArtifactRef extracts the artifact id from a reference. Bare ids are
// accepted for convenience.
func ParseArtifactRef(ref string) (string, bool) {
	if strings.HasPrefix(ref, ArtifactRefPrefix) {
		id := strings.TrimPrefix(ref, ArtifactRefPrefix)
		return id, id != ""
	}
	return ref, ref != ""
}

// ArtifactMetadata is the sidecar record stored next to artifact content.
type ArtifactMetadata struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	Extension string            `json:"extension"`
	MessageID string            `json:"message_id,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// MimeType maps the recorded extension to a MIME type, defaulting to
// application/octet-stream.
func (m *ArtifactMetadata) MimeType() string {
	switch strings.ToLower(m.Extension) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
