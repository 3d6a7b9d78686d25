package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore/pool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/voicetyped/intentflow/pkg/dialog"
)

// SessionRecord is the database row of a persisted session.
type SessionRecord struct {
	data.BaseModel

	DialogName   string       `gorm:"type:varchar(255);not null;index:idx_ds_dialog" json:"dialog_name"`
	CurrentState string       `gorm:"type:varchar(255);not null"                     json:"current_state"`
	Snapshot     string       `gorm:"type:text;not null"                             json:"-"`
	ExpiresAt    sql.NullTime `gorm:"index:idx_ds_expires"                           json:"expires_at,omitempty"`
}

func (SessionRecord) TableName() string { return "dialog_sessions" }

// GormStore keeps sessions in the service datastore.
type GormStore struct {
	pool pool.Pool
	opts options
}

// NewGormStore creates a store on top of a frame datastore pool.
func NewGormStore(p pool.Pool, opts ...Option) *GormStore {
	return &GormStore{pool: p, opts: newOptions(opts)}
}

func (s *GormStore) db(ctx context.Context, readOnly bool) *gorm.DB {
	return s.pool.DB(ctx, readOnly)
}

// Migrate creates or updates the sessions table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db(ctx, false).AutoMigrate(&SessionRecord{})
}

// Save upserts the session row.
func (s *GormStore) Save(ctx context.Context, snap dialog.Snapshot) error {
	rec, err := s.toRecord(snap)
	if err != nil {
		return err
	}
	return s.db(ctx, false).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

// Load returns the session unless it is missing or expired.
func (s *GormStore) Load(ctx context.Context, id string) (*dialog.Snapshot, error) {
	var rec SessionRecord
	err := s.db(ctx, true).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s.fromRecord(&rec)
}

// Delete hard-deletes the session row.
func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db(ctx, false).Unscoped().Where("id = ?", id).Delete(&SessionRecord{}).Error
}

// DeleteExpired removes rows whose TTL has passed.
func (s *GormStore) DeleteExpired(ctx context.Context) (int64, error) {
	res := s.db(ctx, false).Unscoped().
		Where("expires_at IS NOT NULL AND expires_at < ?", s.opts.now()).
		Delete(&SessionRecord{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) toRecord(snap dialog.Snapshot) (*SessionRecord, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	rec := &SessionRecord{
		DialogName:   snap.DialogName,
		CurrentState: snap.CurrentState,
		Snapshot:     string(raw),
	}
	rec.ID = snap.ID
	if s.opts.ttl > 0 {
		rec.ExpiresAt = sql.NullTime{Time: s.opts.now().Add(s.opts.ttl), Valid: true}
	}
	return rec, nil
}

func (s *GormStore) fromRecord(rec *SessionRecord) (*dialog.Snapshot, error) {
	if rec.ExpiresAt.Valid && s.opts.now().After(rec.ExpiresAt.Time) {
		return nil, ErrSessionNotFound
	}
	var snap dialog.Snapshot
	if err := json.Unmarshal([]byte(rec.Snapshot), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &snap, nil
}
