// Package sqlstore persists agency documents in a single gorm-managed table
// keyed by (tenant, collection, id).
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentRow is the storage shape of one document.
type DocumentRow struct {
	TenantID   string            `gorm:"column:tenant_id;primaryKey;size:128"`
	Collection string            `gorm:"column:collection;primaryKey;size:64"`
	ID         string            `gorm:"column:id;primaryKey;size:128"`
	Seq        int64             `gorm:"column:seq;not null;index:idx_documents_order"`
	Data       datatypes.JSONMap `gorm:"column:data;not null"`
	CreatedAt  time.Time         `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time         `gorm:"column:updated_at;not null"`
}

func (DocumentRow) TableName() string { return "documents" }

// AutoMigrate creates the documents table on dialects without SQL migrations.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(&DocumentRow{})
}

type Store struct {
	db       *gorm.DB
	tenantID string
	clock    clock.Clock
	ids      *snowflake.Node
	hub      *docstore.Hub
	notifier *Notifier
	log      *zap.Logger
}

type Options struct {
	TenantID string
	Clock    clock.Clock
	IDs      *snowflake.Node
	Notifier *Notifier
	Log      *zap.Logger
}

func New(conn *gorm.DB, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.IDs == nil {
		opts.IDs, _ = snowflake.NewNode(0)
	}
	s := &Store{
		db:       conn,
		tenantID: strings.TrimSpace(opts.TenantID),
		clock:    opts.Clock,
		ids:      opts.IDs,
		hub:      docstore.NewHub(),
		notifier: opts.Notifier,
		log:      opts.Log.Named("docstore.sql"),
	}
	if s.notifier != nil {
		s.notifier.attach(s.hub)
	}
	return s
}

func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	seq := s.ids.Generate()
	now := s.clock.Now()
	row := DocumentRow{
		TenantID:   s.tenantID,
		Collection: collection,
		ID:         seq.String(),
		Seq:        seq.Int64(),
		Data:       datatypes.JSONMap(docstore.ResolveServerTimestamps(fields, now)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", s.wrap(err)
	}
	s.changed(ctx, collection, row.ID)
	return row.ID, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockRow(tx, collection, id)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		merged := docstore.Fields(row.Data).Clone()
		for k, v := range docstore.ResolveServerTimestamps(fields, now) {
			merged[k] = v
		}
		return s.saveData(tx, collection, id, merged, now)
	})
	if err != nil {
		return s.wrap(err)
	}
	s.changed(ctx, collection, id)
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var row DocumentRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND collection = ? AND id = ?", s.tenantID, collection, id).
		Take(&row).Error
	if err != nil {
		return docstore.Document{}, s.wrap(notFound(err, collection, id))
	}
	return toDocument(row), nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	var rows []DocumentRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND collection = ?", s.tenantID, collection).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, s.wrap(err)
	}
	out := make([]docstore.Document, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDocument(row))
	}
	return out, nil
}

func (s *Store) SetMissing(ctx context.Context, collection, id string, fields docstore.Fields) (docstore.Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return docstore.Document{}, docstore.ErrInvalidArgument
	}

	doc, changed, err := s.setMissing(ctx, collection, id, fields)
	if err != nil && db.IsDuplicateKeyErr(err) {
		// Lost the insert race; merge into the winner's row instead.
		doc, changed, err = s.setMissing(ctx, collection, id, fields)
	}
	if err != nil {
		return docstore.Document{}, s.wrap(err)
	}
	if changed {
		s.changed(ctx, collection, id)
	}
	return doc, nil
}

func (s *Store) setMissing(ctx context.Context, collection, id string, fields docstore.Fields) (docstore.Document, bool, error) {
	var (
		doc     docstore.Document
		changed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		resolved := docstore.ResolveServerTimestamps(fields, now)

		row, err := s.lockRow(tx, collection, id)
		if errors.Is(err, docstore.ErrNotFound) {
			seq := s.ids.Generate()
			row = DocumentRow{
				TenantID:   s.tenantID,
				Collection: collection,
				ID:         id,
				Seq:        seq.Int64(),
				Data:       datatypes.JSONMap(resolved),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			doc, changed = toDocument(row), true
			return nil
		}
		if err != nil {
			return err
		}

		merged := docstore.Fields(row.Data).Clone()
		for k, v := range resolved {
			if _, ok := merged[k]; ok {
				continue
			}
			merged[k] = v
			changed = true
		}
		if changed {
			if err := s.saveData(tx, collection, id, merged, now); err != nil {
				return err
			}
		}
		doc = docstore.Document{ID: id, Fields: merged}
		return nil
	})
	return doc, changed, err
}

func (s *Store) Subscribe(collection string, onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Subscription, error) {
	return docstore.OpenCollectionFeed(s.hub, collection, s.List, onSnapshot, onError)
}

func (s *Store) SubscribeDocument(collection, id string, onDocument func(docstore.Document, bool), onError func(error)) (docstore.Subscription, error) {
	return docstore.OpenDocumentFeed(s.hub, collection, id, s.Get, onDocument, onError)
}

func (s *Store) lockRow(tx *gorm.DB, collection, id string) (DocumentRow, error) {
	query := tx.Where("tenant_id = ? AND collection = ? AND id = ?", s.tenantID, collection, id)
	if tx.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row DocumentRow
	if err := query.Take(&row).Error; err != nil {
		return DocumentRow{}, notFound(err, collection, id)
	}
	return row, nil
}

func (s *Store) saveData(tx *gorm.DB, collection, id string, data docstore.Fields, now time.Time) error {
	return tx.Model(&DocumentRow{}).
		Where("tenant_id = ? AND collection = ? AND id = ?", s.tenantID, collection, id).
		Updates(map[string]any{
			"data":       datatypes.JSONMap(data),
			"updated_at": now,
		}).Error
}

func (s *Store) changed(ctx context.Context, collection, id string) {
	s.hub.Publish(docstore.CollectionKey(collection))
	s.hub.Publish(docstore.DocumentKey(collection, id))
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, collection, id); err != nil {
			s.log.Warn("change notification failed",
				zap.String("collection", collection),
				zap.Error(err),
			)
		}
	}
}

func (s *Store) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidArgument) {
		return err
	}
	if db.IsUnavailableErr(err) {
		s.log.Warn("database unavailable", zap.Error(err))
	}
	return fmt.Errorf("%w: %v", docstore.ErrStoreUnavailable, err)
}

func notFound(err error, collection, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return err
}

func toDocument(row DocumentRow) docstore.Document {
	fields := docstore.Fields{}
	for k, v := range row.Data {
		fields[k] = v
	}
	return docstore.Document{ID: row.ID, Fields: fields}
}

var _ docstore.Store = (*Store)(nil)
