package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/alimasry/go-doc-sync/wire"
)

func testFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()
	projectID := os.Getenv("FIRESTORE_PROJECT")
	if projectID == "" {
		t.Skip("FIRESTORE_PROJECT not set, skipping Firestore tests")
	}
	client, err := firestore.NewClient(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// uniqueDocID returns a unique document ID for test isolation.
func uniqueDocID(t *testing.T) string {
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

// cleanupDoc deletes a document and its diffs subcollection.
func cleanupDoc(t *testing.T, s *FirestoreStore, docID string) {
	t.Helper()
	ctx := context.Background()

	diffs := s.diffsCollection(docID).Documents(ctx)
	for {
		snap, err := diffs.Next()
		if err != nil {
			break
		}
		snap.Ref.Delete(ctx)
	}

	s.docRef(docID).Delete(ctx)
}

func TestFirestoreStore_CreateAndGet(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client, "")
	ctx := context.Background()
	docID := uniqueDocID(t)
	t.Cleanup(func() { cleanupDoc(t, s, docID) })

	if err := s.Create(ctx, docID); err != nil {
		t.Fatal(err)
	}

	info, err := s.Get(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Content != "" || info.Version != 0 || info.ID != docID {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestFirestoreStore_CreateDuplicate(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client, "")
	ctx := context.Background()
	docID := uniqueDocID(t)
	t.Cleanup(func() { cleanupDoc(t, s, docID) })

	s.Create(ctx, docID)
	if err := s.Create(ctx, docID); !errors.Is(err, ErrExists) {
		t.Errorf("err = %v, want ErrExists", err)
	}
}

func TestFirestoreStore_GetNotFound(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client, "")
	_, err := s.Get(context.Background(), "nonexistent-doc-xyz")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFirestoreStore_List(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client, "")
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uniqueDocID(t) + fmt.Sprintf("-%d", i)
		t.Cleanup(func() { cleanupDoc(t, s, ids[i]) })
		s.Create(ctx, ids[i])
	}

	docs, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// At least our 3 docs should be present (there may be others from parallel tests).
	found := 0
	for _, d := range docs {
		for _, id := range ids {
			if d.ID == id {
				found++
			}
		}
	}
	if found != 3 {
		t.Errorf("found %d of our 3 docs in list", found)
	}
}

func TestFirestoreStore_UpdateContent(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client, "")
	ctx := context.Background()
	docID := uniqueDocID(t)
	t.Cleanup(func() { cleanupDoc(t, s, docID) })

	s.Create(ctx, docID)
	if err := s.UpdateContent(ctx, docID, "hello world", 1); err != nil {
		t.Fatal(err)
	}

	info, _ := s.Get(ctx, docID)
	if info.Content != "hello world" || info.Version != 1 {
		t.Errorf("unexpected: content=%q version=%d", info.Content, info.Version)
	}
}

func TestFirestoreStore_Diffs(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client, "")
	ctx := context.Background()
	docID := uniqueDocID(t)
	t.Cleanup(func() { cleanupDoc(t, s, docID) })

	s.Create(ctx, docID)

	if err := s.AppendDiff(ctx, docID, insertAt(1, 0, "hello")); err != nil {
		t.Fatal(err)
	}
	del := wire.Diff{Type: wire.TypeDelete, Index: 0, Length: 5, Version: 2}
	if err := s.AppendDiff(ctx, docID, del); err != nil {
		t.Fatal(err)
	}

	diffs, err := s.GetDiffs(ctx, docID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 2 {
		t.Fatalf("got %d diffs, want 2", len(diffs))
	}

	// From version 2 (skip the insert).
	diffs, err = s.GetDiffs(ctx, docID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 || diffs[0] != del {
		t.Fatalf("got %+v, want [%+v]", diffs, del)
	}
}

func TestFirestoreStore_DiffsNotFound(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client, "")
	_, err := s.GetDiffs(context.Background(), "nonexistent-doc-xyz", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
