package record

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore persists documents in a Firestore collection. CreatedAt is
// indexed descending so the list query serves "most recent first, optionally
// filtered by owner" without client-side sorting.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a Firestore client for the given project.
func NewFirestoreStore(ctx context.Context, projectID, collection string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("record: firestore project ID required")
	}
	if collection == "" {
		collection = "documents"
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("record: create firestore client: %w", err)
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

// Close releases the underlying client.
func (s *FirestoreStore) Close() error { return s.client.Close() }

func (s *FirestoreStore) Create(ctx context.Context, doc *Document) (string, error) {
	ref := s.client.Collection(s.collection).NewDoc()
	if _, err := ref.Set(ctx, doc); err != nil {
		return "", fmt.Errorf("record: firestore create: %w", err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) Update(ctx context.Context, doc *Document) error {
	ref := s.client.Collection(s.collection).Doc(doc.ID)
	if _, err := ref.Set(ctx, doc); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("record: firestore update: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*Document, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("record: firestore get: %w", err)
	}
	var doc Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("record: firestore decode %s: %w", id, err)
	}
	doc.ID = snap.Ref.ID
	return &doc, nil
}

func (s *FirestoreStore) List(ctx context.Context, q ListQuery) ([]*Document, error) {
	query := s.client.Collection(s.collection).Query
	if q.UserID != "" {
		query = query.Where("userId", "==", q.UserID)
	}
	if q.Status != "" {
		query = query.Where("status", "==", string(q.Status))
	}
	query = query.OrderBy("createdAt", firestore.Desc)
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var docs []*Document
	it := query.Documents(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("record: firestore list: %w", err)
		}
		var doc Document
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("record: firestore decode %s: %w", snap.Ref.ID, err)
		}
		doc.ID = snap.Ref.ID
		docs = append(docs, &doc)
	}
	return docs, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, id string) error {
	if _, err := s.client.Collection(s.collection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("record: firestore delete: %w", err)
	}
	return nil
}
