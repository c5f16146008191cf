package store

import "fmt"

// Redis key layout. The {docID:...} hash tag keeps a document's hash and diff
// list in one cluster slot. The docs index lives in its own slot and is only
// written with single-key commands.
//
//	docKey:   Hash  content, version, createdAt, updatedAt
//	diffsKey: List  JSON-encoded wire.Diff, oldest first
//	docsKey:  Set   every document id
const (
	keyDocFmt   = "%sdoc:{docID:%s}"
	keyDiffsFmt = "%sdoc:{docID:%s}:diffs"
	keyDocsSet  = "%sdocs"
)

func docKey(prefix, id string) string   { return fmt.Sprintf(keyDocFmt, prefix, id) }
func diffsKey(prefix, id string) string { return fmt.Sprintf(keyDiffsFmt, prefix, id) }
func docsKey(prefix string) string      { return fmt.Sprintf(keyDocsSet, prefix) }
