package livesync

import (
	"github.com/smallbiznis/carehub/internal/docstore"
)

// Tables is a category-keyed view of the read model. Snapshots are never
// mutated after delivery, so sharing the slices is safe.
type Tables map[string][]docstore.Document

// Find returns the document with id in category.
func (t Tables) Find(category, id string) (docstore.Document, bool) {
	for _, doc := range t[category] {
		if doc.ID == id {
			return doc, true
		}
	}
	return docstore.Document{}, false
}
