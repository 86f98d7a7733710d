package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hivegrid/hivegrid/pkg/models"
)

// ErrNotFound is returned when a reference does not resolve to a stored
// artifact.
var ErrNotFound = errors.New("artifact not found")

const metaSuffix = ".meta"

// Store is a content-addressed blob store. Content lives in "{id}{ext}" and
// metadata in a "{id}.meta" JSON sidecar so content bytes stay
// uninterpreted. Writes are atomic per file (tmp + rename), which makes the
// store safe under concurrent writers since ids are distinct uuids.
type Store struct {
	dir    string
	logger *slog.Logger
}

// PutOptions carries optional fields for Put.
type PutOptions struct {
	// Extension overrides the extension derived from the artifact type
	// (must include the leading dot).
	Extension string

	// MessageID links the artifact to the message that produced it.
	MessageID string

	// Meta is free-form sidecar metadata.
	Meta map[string]string
}

// NewStore creates the backing directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// GenerateID returns a fresh artifact id.
func (s *Store) GenerateID() string {
	return uuid.NewString()
}

// Put stores content under a fresh id and returns its external reference.
func (s *Store) Put(content []byte, artifactType string, opts PutOptions) (string, *models.ArtifactMetadata, error) {
	id := s.GenerateID()
	ext := opts.Extension
	if ext == "" {
		ext = extensionForType(artifactType)
	}

	meta := &models.ArtifactMetadata{
		ID:        id,
		Type:      artifactType,
		CreatedAt: time.Now(),
		Extension: ext,
		MessageID: opts.MessageID,
		Size:      int64(len(content)),
		Meta:      opts.Meta,
	}

	if err := s.writeAtomic(id+ext, content); err != nil {
		return "", nil, fmt.Errorf("write artifact content: %w", err)
	}
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode artifact metadata: %w", err)
	}
	if err := s.writeAtomic(id+metaSuffix, sidecar); err != nil {
		return "", nil, fmt.Errorf("write artifact metadata: %w", err)
	}

	s.logger.Debug("artifact stored", "artifact_id", id, "type", artifactType, "size", meta.Size)
	return models.ArtifactRef(id), meta, nil
}

// Get resolves a reference (or bare id) to content and metadata.
func (s *Store) Get(ref string) ([]byte, *models.ArtifactMetadata, error) {
	id, ok := models.ParseArtifactRef(ref)
	if !ok {
		return nil, nil, ErrNotFound
	}
	meta, err := s.readMeta(id)
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(filepath.Join(s.dir, id+meta.Extension))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("read artifact content: %w", err)
	}
	return content, meta, nil
}

// GetMetadata resolves a reference to its sidecar metadata only.
func (s *Store) GetMetadata(ref string) (*models.ArtifactMetadata, error) {
	id, ok := models.ParseArtifactRef(ref)
	if !ok {
		return nil, ErrNotFound
	}
	return s.readMeta(id)
}

// SaveImage stores raw image bytes, sniffing the format for the extension,
// and returns the stored filename.
func (s *Store) SaveImage(data []byte, meta map[string]string) (string, error) {
	ext := sniffImageExtension(data)
	ref, stored, err := s.Put(data, "image", PutOptions{Extension: ext, Meta: meta})
	if err != nil {
		return "", err
	}
	_ = ref
	return stored.ID + stored.Extension, nil
}

// List returns metadata for every stored artifact, newest first. Sidecar
// files never appear as artifacts.
func (s *Store) List() ([]*models.ArtifactMetadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var out []*models.ArtifactMetadata
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := s.readMeta(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			s.logger.Warn("skipping unreadable artifact sidecar", "file", name, "error", err)
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) readMeta(id string) (*models.ArtifactMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+metaSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact metadata: %w", err)
	}
	var meta models.ArtifactMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode artifact metadata: %w", err)
	}
	return &meta, nil
}

func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return err
	}
	return nil
}

func extensionForType(artifactType string) string {
	switch strings.ToLower(artifactType) {
	case "image/png", "png":
		return ".png"
	case "image/jpeg", "jpeg", "jpg":
		return ".jpg"
	case "image/gif", "gif":
		return ".gif"
	case "image", "image/webp":
		return ".webp"
	case "text", "text/plain":
		return ".txt"
	case "json", "application/json":
		return ".json"
	case "html", "text/html":
		return ".html"
	default:
		return ".bin"
	}
}

func sniffImageExtension(data []byte) string {
	switch {
	case len(data) > 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return ".png"
	case len(data) > 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return ".jpg"
	case len(data) > 6 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a"):
		return ".gif"
	default:
		return ".png"
	}
}
