package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/identity"
)

// Service is the only write path for agency records. Every call checks the
// actor against policy before anything reaches the store.
type Service interface {
	Create(ctx context.Context, actor identity.Profile, req CreateRequest) (string, error)
	Update(ctx context.Context, actor identity.Profile, req UpdateRequest) error
	Archive(ctx context.Context, actor identity.Profile, req ArchiveRequest) error
	DischargeClient(ctx context.Context, actor identity.Profile, clientID string) error
	SendBroadcast(ctx context.Context, actor identity.Profile, message string) (string, error)
	List(ctx context.Context, actor identity.Profile, category string) ([]docstore.Document, error)
}

var (
	ErrValidationFailed = errors.New("validation_failed")
)
