package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/go-doc-sync/doc"
	"github.com/alimasry/go-doc-sync/wire"
)

// DefaultFirestoreCollection holds one Firestore document per text document.
const DefaultFirestoreCollection = "documents"

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Each document's diffs live in a "diffs" subcollection keyed by the
// zero-padded version, so ordering by ID is ordering by version.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore
// client. An empty collection means DefaultFirestoreCollection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultFirestoreCollection
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) diffsCollection(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("diffs")
}

func zeroPad(version int64) string {
	return fmt.Sprintf("%019d", version)
}

func (s *FirestoreStore) Create(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.docRef(id).Create(ctx, map[string]interface{}{
		"content":   "",
		"version":   0,
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("create %q: %w", id, ErrExists)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocInfo(id, snap), nil
}

func snapshotToDocInfo(id string, snap *firestore.DocumentSnapshot) *DocumentInfo {
	data := snap.Data()
	content, _ := data["content"].(string)
	version, _ := data["version"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &DocumentInfo{
		ID:        id,
		Content:   content,
		Version:   doc.Version(version),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var result []DocumentInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		result = append(result, *snapshotToDocInfo(snap.Ref.ID, snap))
	}
	return result, nil
}

func (s *FirestoreStore) UpdateContent(ctx context.Context, id, content string, version doc.Version) error {
	_, err := s.docRef(id).Update(ctx, []firestore.Update{
		{Path: "content", Value: content},
		{Path: "version", Value: int64(version)},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("update %q: %w", id, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) AppendDiff(ctx context.Context, id string, d wire.Diff) error {
	_, err := s.diffsCollection(id).Doc(zeroPad(d.Version)).Set(ctx, map[string]interface{}{
		"type":    d.Type,
		"index":   d.Index,
		"text":    d.Text,
		"length":  d.Length,
		"version": d.Version,
	})
	return err
}

func (s *FirestoreStore) GetDiffs(ctx context.Context, id string, fromVersion doc.Version) ([]wire.Diff, error) {
	// Verify document exists.
	_, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("get diffs of %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if fromVersion < 0 {
		fromVersion = 0
	}

	iter := s.diffsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(int64(fromVersion))).
		Documents(ctx)
	defer iter.Stop()

	var diffs []wire.Diff
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		d, err := snapshotToDiff(snap)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, d)
	}
	return diffs, nil
}

func snapshotToDiff(snap *firestore.DocumentSnapshot) (wire.Diff, error) {
	data := snap.Data()
	typ, ok := data["type"].(string)
	if !ok {
		return wire.Diff{}, fmt.Errorf("invalid type field in diff %s", snap.Ref.ID)
	}
	d := wire.Diff{Type: typ}
	d.Index, _ = data["index"].(int64)
	d.Text, _ = data["text"].(string)
	d.Length, _ = data["length"].(int64)
	d.Version, _ = data["version"].(int64)
	return d, nil
}
