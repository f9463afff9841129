// Package record owns the lifecycle of the persisted scan document. A record
// is created in the processing state before recognition begins, moves to
// completed only once the output artifact exists, and to failed on any
// unrecoverable error. completed and failed are terminal; a retry is a new
// record. All transitions go through the Manager, never by direct field
// assignment elsewhere.
package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a document.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrNotFound is returned by stores for unknown document IDs.
var ErrNotFound = errors.New("document not found")

// ErrInvalidTransition is returned when a terminal record is asked to move.
var ErrInvalidTransition = errors.New("invalid status transition")

// Metadata carries processing byproducts kept with the record.
type Metadata struct {
	ImageSizeBytes   int64 `firestore:"imageSizeBytes"`
	ProcessingTimeMs int64 `firestore:"processingTimeMs"`
}

// Document is the durable scan record.
type Document struct {
	ID                string    `firestore:"-"`
	UserID            string    `firestore:"userId,omitempty"`
	Title             string    `firestore:"title"`
	OriginalImageName string    `firestore:"originalImageName"`
	ArtifactName      string    `firestore:"artifactName"`
	ExtractedText     string    `firestore:"extractedText"`
	Confidence        int       `firestore:"confidence"`
	WordCount         int       `firestore:"wordCount"`
	PageCount         int       `firestore:"pageCount"`
	Status            Status    `firestore:"status"`
	Language          string    `firestore:"language"`
	Metadata          Metadata  `firestore:"metadata"`
	CreatedAt         time.Time `firestore:"createdAt"`
}

// ListQuery selects records for listing, most recent first.
type ListQuery struct {
	UserID string // optional owner filter
	Status Status // optional status filter
	Limit  int
	Offset int
}

// Store is the persistence boundary for documents. Implementations persist
// what they are handed and never decide status transitions themselves.
type Store interface {
	Create(ctx context.Context, doc *Document) (string, error)
	Update(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, q ListQuery) ([]*Document, error)
	Delete(ctx context.Context, id string) error
}

// Completion carries everything a record needs to reach the completed state.
type Completion struct {
	ExtractedText    string
	Confidence       int
	WordCount        int
	PageCount        int
	ArtifactName     string
	ImageSizeBytes   int64
	ProcessingTimeMs int64
}

// Manager mediates between pipeline outcome and durable storage.
type Manager struct {
	store Store
}

// NewManager returns a Manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Store exposes the underlying store for read-side handlers.
func (m *Manager) Store() Store { return m.store }

// Begin durably persists a new record in the processing state. This happens
// before recognition starts, so a crash mid-pipeline leaves an inspectable
// processing record rather than losing the request silently.
func (m *Manager) Begin(ctx context.Context, title, userID, language, originalImageName string) (*Document, error) {
	doc := &Document{
		UserID:            userID,
		Title:             title,
		OriginalImageName: originalImageName,
		Status:            StatusProcessing,
		Language:          language,
		CreatedAt:         time.Now().UTC(),
	}
	id, err := m.store.Create(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("record: begin: %w", err)
	}
	doc.ID = id
	return doc, nil
}

// Complete transitions a processing record to completed. A record never
// completes with empty extracted text; recognition yielding zero text is a
// failure condition, not a completed document.
func (m *Manager) Complete(ctx context.Context, doc *Document, c Completion) error {
	if doc.Status != StatusProcessing {
		return fmt.Errorf("record: complete from %s: %w", doc.Status, ErrInvalidTransition)
	}
	if strings.TrimSpace(c.ExtractedText) == "" {
		return fmt.Errorf("record: cannot complete with empty extracted text")
	}
	if c.ArtifactName == "" {
		return fmt.Errorf("record: cannot complete without an artifact")
	}

	doc.ExtractedText = c.ExtractedText
	doc.Confidence = c.Confidence
	doc.WordCount = c.WordCount
	doc.PageCount = c.PageCount
	doc.ArtifactName = c.ArtifactName
	doc.Metadata = Metadata{
		ImageSizeBytes:   c.ImageSizeBytes,
		ProcessingTimeMs: c.ProcessingTimeMs,
	}
	doc.Status = StatusCompleted

	if err := m.store.Update(ctx, doc); err != nil {
		doc.Status = StatusProcessing
		return fmt.Errorf("record: complete: %w", err)
	}
	return nil
}

// Fail transitions a processing record to failed.
func (m *Manager) Fail(ctx context.Context, doc *Document) error {
	if doc.Status != StatusProcessing {
		return fmt.Errorf("record: fail from %s: %w", doc.Status, ErrInvalidTransition)
	}
	doc.Status = StatusFailed
	if err := m.store.Update(ctx, doc); err != nil {
		doc.Status = StatusProcessing
		return fmt.Errorf("record: fail: %w", err)
	}
	return nil
}

// Rename updates a record's title. Not a lifecycle transition.
func (m *Manager) Rename(ctx context.Context, id, title string) (*Document, error) {
	doc, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Title = strings.TrimSpace(title)
	if doc.Title == "" {
		return nil, fmt.Errorf("record: title required")
	}
	if err := m.store.Update(ctx, doc); err != nil {
		return nil, fmt.Errorf("record: rename: %w", err)
	}
	return doc, nil
}
