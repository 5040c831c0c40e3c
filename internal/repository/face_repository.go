package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/faceauth/internal/face"
	"github.com/example/faceauth/internal/retry"
)

// TemplateRecord is one enrolled face template.
type TemplateRecord struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    int32     `gorm:"column:user_id;uniqueIndex:idx_face_template_scope_fid"`
	StorePath string    `gorm:"column:store_path;size:512;uniqueIndex:idx_face_template_scope_fid"`
	Fid       uint32    `gorm:"column:fid;uniqueIndex:idx_face_template_scope_fid"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (TemplateRecord) TableName() string {
	return "face_templates"
}

// AuthenticatorRecord holds the current authenticator id of a scope.
type AuthenticatorRecord struct {
	UserID    int32     `gorm:"column:user_id;primaryKey"`
	StorePath string    `gorm:"column:store_path;size:512;primaryKey"`
	Value     int64     `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (AuthenticatorRecord) TableName() string {
	return "face_authenticator_ids"
}

// EventLog is an audited asynchronous message.
type EventLog struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    int32     `gorm:"column:user_id;index:idx_face_event_scope"`
	StorePath string    `gorm:"column:store_path;size:512;index:idx_face_event_scope"`
	Type      string    `gorm:"column:type;size:32"`
	Payload   string    `gorm:"column:payload;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (EventLog) TableName() string {
	return "face_event_logs"
}

// FaceRepository persists templates, authenticator ids and the event audit
// log. It implements registry.Store.
type FaceRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewFaceRepository creates a new repository instance.
func NewFaceRepository(db *gorm.DB, logger *zap.Logger) *FaceRepository {
	return &FaceRepository{db: db, logger: logger.Named("face_repository"), retry: retry.DefaultPolicy()}
}

// AutoMigrate ensures the schema is available.
func (r *FaceRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&TemplateRecord{}, &AuthenticatorRecord{}, &EventLog{})
}

func (r *FaceRepository) ListTemplates(ctx context.Context, scope face.Scope) ([]uint32, error) {
	var fids []uint32
	err := retry.Do(ctx, r.logger, r.retry, "repository.list_templates", "", func() error {
		fids = fids[:0]
		return r.db.WithContext(ctx).
			Model(&TemplateRecord{}).
			Where("user_id = ? AND store_path = ?", scope.UserID, scope.StorePath).
			Order("fid").
			Pluck("fid", &fids).Error
	})
	return fids, err
}

func (r *FaceRepository) AddTemplate(ctx context.Context, scope face.Scope, fid uint32) error {
	rec := &TemplateRecord{UserID: scope.UserID, StorePath: scope.StorePath, Fid: fid}
	return retry.Do(ctx, r.logger, r.retry, "repository.add_template", "", func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
	})
}

func (r *FaceRepository) RemoveTemplate(ctx context.Context, scope face.Scope, fid uint32) error {
	return retry.Do(ctx, r.logger, r.retry, "repository.remove_template", "", func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND store_path = ? AND fid = ?", scope.UserID, scope.StorePath, fid).
			Delete(&TemplateRecord{}).Error
	})
}

func (r *FaceRepository) LoadAuthenticatorID(ctx context.Context, scope face.Scope) (uint64, error) {
	var rec AuthenticatorRecord
	err := retry.Do(ctx, r.logger, r.retry, "repository.load_authenticator_id", "", func() error {
		err := r.db.WithContext(ctx).First(&rec, "user_id = ? AND store_path = ?", scope.UserID, scope.StorePath).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = AuthenticatorRecord{}
			return nil
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return uint64(rec.Value), nil
}

func (r *FaceRepository) SaveAuthenticatorID(ctx context.Context, scope face.Scope, id uint64) error {
	rec := &AuthenticatorRecord{UserID: scope.UserID, StorePath: scope.StorePath, Value: int64(id)}
	return retry.Do(ctx, r.logger, r.retry, "repository.save_authenticator_id", "", func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "store_path"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(rec).Error
	})
}

// SaveEvent appends msg to the audit log.
func (r *FaceRepository) SaveEvent(ctx context.Context, scope face.Scope, msg face.Message) error {
	rec, err := NewEventLog(scope, msg)
	if err != nil {
		return err
	}
	return retry.Do(ctx, r.logger, r.retry, "repository.save_event", "", func() error {
		return r.db.WithContext(ctx).Create(rec).Error
	})
}

// ListEvents returns the newest audited events of scope, newest first.
func (r *FaceRepository) ListEvents(ctx context.Context, scope face.Scope, limit int) ([]EventLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []EventLog
	err := retry.Do(ctx, r.logger, r.retry, "repository.list_events", "", func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND store_path = ?", scope.UserID, scope.StorePath).
			Order("id DESC").
			Limit(limit).
			Find(&logs).Error
	})
	return logs, err
}

// NewEventLog builds the audit row for msg.
func NewEventLog(scope face.Scope, msg face.Message) (*EventLog, error) {
	payload, err := face.MarshalMessage(msg)
	if err != nil {
		return nil, err
	}
	return &EventLog{
		UserID:    scope.UserID,
		StorePath: scope.StorePath,
		Type:      msg.Type().String(),
		Payload:   string(payload),
	}, nil
}
