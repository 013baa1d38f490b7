// Package documents registers evidence documents and turns their stored
// payloads into plain text for analysis.
package documents

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/accredit/internal/storage"
)

// ErrNoContent is returned when a document has neither text nor a blob.
var ErrNoContent = errors.New("document has no content")

// TextSource resolves a document's plain text.
type TextSource interface {
	FetchText(ctx context.Context, documentID string) (string, error)
}

// Store is the persistence the service needs.
type Store interface {
	SaveDocument(ctx context.Context, d storage.Document) error
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	SetExtractedText(ctx context.Context, id, text string) error
}

// RegisterRequest describes a new evidence document. Exactly one of Text,
// Data or ObjectKey supplies the content.
type RegisterRequest struct {
	OwnerID       string
	InstitutionID string
	Title         string
	Category      string
	MimeType      string
	Text          string
	Data          []byte
	ObjectKey     string
}

// Service registers documents and fetches their text.
type Service struct {
	store   Store
	blobs   BlobStore
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewService creates a Service. blobs may be nil, in which case only inline
// text documents are accepted.
func NewService(store Store, blobs BlobStore) *Service {
	return &Service{
		store:   store,
		blobs:   blobs,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
}

// Register stores a document and its payload and returns the saved row.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (storage.Document, error) {
	if req.OwnerID == "" {
		return storage.Document{}, fmt.Errorf("%w: owner is required", storage.ErrValidation)
	}
	sources := 0
	for _, set := range []bool{req.Text != "", len(req.Data) > 0, req.ObjectKey != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return storage.Document{}, fmt.Errorf("%w: exactly one of text, data or object key is required", storage.ErrValidation)
	}

	doc := storage.Document{
		ID:            uuid.New().String(),
		OwnerID:       req.OwnerID,
		InstitutionID: req.InstitutionID,
		Title:         strings.TrimSpace(req.Title),
		Category:      strings.ToLower(strings.TrimSpace(req.Category)),
		CreatedAt:     s.nowFunc().UTC(),
	}

	switch {
	case req.Text != "":
		doc.MimeType = MimePlain
		doc.ContentHash = hashBytes([]byte(req.Text))
		doc.ExtractedText = normalizeSpace(req.Text)

	case len(req.Data) > 0:
		if s.blobs == nil {
			return storage.Document{}, fmt.Errorf("%w: file uploads need a blob store", storage.ErrValidation)
		}
		doc.MimeType = DetectMime(req.MimeType, req.Data)
		doc.ContentHash = hashBytes(req.Data)
		doc.ObjectKey = objectKey(req.OwnerID, doc.ID)
		if err := s.blobs.Put(ctx, doc.ObjectKey, bytes.NewReader(req.Data), int64(len(req.Data)), doc.MimeType); err != nil {
			return storage.Document{}, fmt.Errorf("storing blob: %w", err)
		}

	default:
		if s.blobs == nil {
			return storage.Document{}, fmt.Errorf("%w: object keys need a blob store", storage.ErrValidation)
		}
		if !ownsKey(req.OwnerID, req.ObjectKey) {
			return storage.Document{}, fmt.Errorf("%w: object key must be under %s", storage.ErrValidation, objectKey(req.OwnerID, ""))
		}
		data, err := s.blobs.Get(ctx, req.ObjectKey)
		if err != nil {
			return storage.Document{}, fmt.Errorf("%w: reading object %s: %v", storage.ErrValidation, req.ObjectKey, err)
		}
		doc.MimeType = DetectMime(req.MimeType, data)
		doc.ContentHash = hashBytes(data)
		doc.ObjectKey = req.ObjectKey
	}

	if doc.Title == "" {
		doc.Title = doc.ID
	}
	if err := s.store.SaveDocument(ctx, doc); err != nil {
		return storage.Document{}, fmt.Errorf("saving document: %w", err)
	}
	s.logger.Info("document registered", "document_id", doc.ID, "mime_type", doc.MimeType, "owner_id", doc.OwnerID)
	return doc, nil
}

// FetchText returns the document's text, extracting it from the blob and
// caching it on first use.
func (s *Service) FetchText(ctx context.Context, documentID string) (string, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.ExtractedText != "" {
		return doc.ExtractedText, nil
	}
	if doc.ObjectKey == "" || s.blobs == nil {
		return "", fmt.Errorf("%s: %w", documentID, ErrNoContent)
	}

	data, err := s.blobs.Get(ctx, doc.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("reading blob for %s: %w", documentID, err)
	}
	text, err := Extract(doc.MimeType, data)
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", documentID, err)
	}
	if text == "" {
		return "", fmt.Errorf("%s: %w", documentID, ErrNoContent)
	}
	if err := s.store.SetExtractedText(ctx, documentID, text); err != nil {
		return "", fmt.Errorf("saving extracted text: %w", err)
	}
	return text, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func objectKey(ownerID, docID string) string {
	return "evidence/" + ownerID + "/" + docID
}

// ownsKey reports whether key names a single object directly under the
// owner's prefix.
func ownsKey(ownerID, key string) bool {
	prefix := objectKey(ownerID, "")
	if path.Clean(key) != key || !strings.HasPrefix(key, prefix) {
		return false
	}
	name := strings.TrimPrefix(key, prefix)
	return name != "" && !strings.Contains(name, "/")
}
