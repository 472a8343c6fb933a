// Package docstore defines the tenant-scoped document store that backs every
// agency collection, plus the live feed machinery shared by its
// implementations.
package docstore

import (
	"context"
	"errors"
)

var (
	ErrStoreUnavailable = errors.New("store_unavailable")
	ErrNotFound         = errors.New("document_not_found")
	ErrInvalidArgument  = errors.New("invalid_argument")
)

// Fields is a document body. Values are scalars: string, bool, numbers,
// time.Time, nil, or the ServerTimestamp directive on write.
type Fields map[string]any

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

type Document struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Snapshot is the complete content of one collection at a point in time, in
// insertion order.
type Snapshot struct {
	Collection string     `json:"collection"`
	Documents  []Document `json:"documents"`
}

// Subscription releases a live feed. Close is synchronous: once it returns no
// further callbacks run. It must not be called from inside the feed's own
// callback.
type Subscription interface {
	Close()
}

type Store interface {
	// Create inserts a document and returns the store-assigned id.
	Create(ctx context.Context, collection string, fields Fields) (string, error)
	// Update merges fields into an existing document. Keys not present in
	// fields are left untouched.
	Update(ctx context.Context, collection, id string, fields Fields) error
	Get(ctx context.Context, collection, id string) (Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
	// SetMissing creates the document when absent and otherwise writes only
	// the keys the stored document does not already have. Concurrent callers
	// never overwrite each other's fields.
	SetMissing(ctx context.Context, collection, id string, fields Fields) (Document, error)

	// Subscribe delivers the full collection on subscribe and after every
	// change. A load failure is passed to onError and ends the feed.
	Subscribe(collection string, onSnapshot func(Snapshot), onError func(error)) (Subscription, error)
	// SubscribeDocument delivers one document; exists is false while it is absent.
	SubscribeDocument(collection, id string, onDocument func(doc Document, exists bool), onError func(error)) (Subscription, error)
}
