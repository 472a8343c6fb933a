package docstore

import (
	"context"
	"errors"
	"strings"
)

// ListFunc and GetFunc are the point reads a Store exposes to its feeds.
type ListFunc func(ctx context.Context, collection string) ([]Document, error)
type GetFunc func(ctx context.Context, collection, id string) (Document, error)

// OpenCollectionFeed delivers full snapshots of collection through hub.
func OpenCollectionFeed(hub *Hub, collection string, list ListFunc, onSnapshot func(Snapshot), onError func(error)) (Subscription, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" || onSnapshot == nil {
		return nil, ErrInvalidArgument
	}
	return hub.Open(CollectionKey(collection), func(ctx context.Context) error {
		docs, err := list(ctx, collection)
		if err != nil {
			return err
		}
		onSnapshot(Snapshot{Collection: collection, Documents: docs})
		return nil
	}, onError)
}

// OpenDocumentFeed delivers one document through hub. A missing document is
// delivered with exists=false rather than treated as a failure.
func OpenDocumentFeed(hub *Hub, collection, id string, get GetFunc, onDocument func(Document, bool), onError func(error)) (Subscription, error) {
	collection = strings.TrimSpace(collection)
	id = strings.TrimSpace(id)
	if collection == "" || id == "" || onDocument == nil {
		return nil, ErrInvalidArgument
	}
	return hub.Open(DocumentKey(collection, id), func(ctx context.Context) error {
		doc, err := get(ctx, collection, id)
		if errors.Is(err, ErrNotFound) {
			onDocument(Document{ID: id}, false)
			return nil
		}
		if err != nil {
			return err
		}
		onDocument(doc, true)
		return nil
	}, onError)
}
