package syncserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/realmkit/internal/subscription"
)

// SubscriptionRecord is the server's copy of one client subscription.
type SubscriptionRecord struct {
	UserID       string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Name         string     `gorm:"column:name;primaryKey;size:512;not null"`
	Class        string     `gorm:"column:class;size:190;not null"`
	QueryJSON    string     `gorm:"column:query_json;type:text;not null"`
	TTLMillis    int64      `gorm:"column:ttl_ms;not null;default:0"`
	State        int64      `gorm:"column:state;not null"`
	ErrorMessage string     `gorm:"column:error_message;type:text"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null"`
	ExpiresAt    *time.Time `gorm:"column:expires_at;index"`
}

// TableName exposes the table backing server subscriptions.
func (SubscriptionRecord) TableName() string {
	return "server_subscriptions"
}

// UploadRecord logs one acknowledged upload.
type UploadRecord struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index"`
	SessionID  string    `gorm:"column:session_id;size:64;not null"`
	Version    int64     `gorm:"column:version;not null"`
	Bytes      int64     `gorm:"column:bytes;not null"`
	ReceivedAt time.Time `gorm:"column:received_at;not null"`
}

// TableName exposes the table backing upload records.
func (UploadRecord) TableName() string {
	return "server_uploads"
}

// Models lists every table the store needs migrated.
func Models() []any {
	return []any{&SubscriptionRecord{}, &UploadRecord{}}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists server subscriptions and uploads.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Upsert stores record as Pending, keeping the creation time of an existing row.
// A positive TTL sets the expiry relative to now.
func (s *Store) Upsert(ctx context.Context, record SubscriptionRecord) (SubscriptionRecord, error) {
	if strings.TrimSpace(record.UserID) == "" {
		return SubscriptionRecord{}, newServiceError(opUpsert, "missing_user_id", errMissingUserID)
	}
	if record.Name == "" {
		return SubscriptionRecord{}, newServiceError(opUpsert, "missing_name", errMissingName)
	}
	now := s.clock().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.ExpiresAt = nil
	if record.TTLMillis > 0 {
		expiresAt := now.Add(time.Duration(record.TTLMillis) * time.Millisecond)
		record.ExpiresAt = &expiresAt
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"class", "query_json", "ttl_ms", "state", "error_message", "updated_at", "expires_at",
		}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opUpsert, "write_failed", err, zap.String("user_id", record.UserID), zap.String("name", record.Name))
		return SubscriptionRecord{}, newServiceError(opUpsert, "write_failed", err)
	}
	return s.get(ctx, record.UserID, record.Name)
}

// SetState records a state transition for an existing subscription. It reports
// false when the subscription is gone.
func (s *Store) SetState(ctx context.Context, userID, name string, state subscription.State, message string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&SubscriptionRecord{}).
		Where("user_id = ? AND name = ?", userID, name).
		Updates(map[string]interface{}{
			"state":         int64(state),
			"error_message": message,
			"updated_at":    s.clock().UTC(),
		})
	if result.Error != nil {
		s.logError(opSetState, "write_failed", result.Error, zap.String("user_id", userID), zap.String("name", name))
		return false, newServiceError(opSetState, "write_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Delete removes a subscription and reports whether it existed.
func (s *Store) Delete(ctx context.Context, userID, name string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		Delete(&SubscriptionRecord{})
	if result.Error != nil {
		s.logError(opDelete, "write_failed", result.Error, zap.String("user_id", userID), zap.String("name", name))
		return false, newServiceError(opDelete, "write_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// List returns the subscriptions of userID ordered by name.
func (s *Store) List(ctx context.Context, userID string) ([]SubscriptionRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opList, "missing_user_id", errMissingUserID)
	}
	var records []SubscriptionRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("name ASC").
		Find(&records).
		Error
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return records, nil
}

// Expire deletes every subscription whose expiry is at or before now and returns them.
func (s *Store) Expire(ctx context.Context, now time.Time) ([]SubscriptionRecord, error) {
	var expired []SubscriptionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
			Order("user_id ASC, name ASC").
			Find(&expired).Error; err != nil {
			return err
		}
		for _, record := range expired {
			if err := tx.Where("user_id = ? AND name = ?", record.UserID, record.Name).
				Delete(&SubscriptionRecord{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opExpire, "transaction_failed", err)
		return nil, newServiceError(opExpire, "transaction_failed", err)
	}
	return expired, nil
}

// RecordUpload logs an upload and returns the total bytes received from userID.
func (s *Store) RecordUpload(ctx context.Context, userID, sessionID string, version, bytes int64) (int64, error) {
	record := UploadRecord{
		UserID:     userID,
		SessionID:  sessionID,
		Version:    version,
		Bytes:      bytes,
		ReceivedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRecordUpload, "write_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opRecordUpload, "write_failed", err)
	}
	var total int64
	err := s.db.WithContext(ctx).
		Model(&UploadRecord{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(bytes), 0)").
		Scan(&total).
		Error
	if err != nil {
		s.logError(opRecordUpload, "sum_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opRecordUpload, "sum_failed", err)
	}
	return total, nil
}

func (s *Store) get(ctx context.Context, userID, name string) (SubscriptionRecord, error) {
	var record SubscriptionRecord
	err := s.db.WithContext(ctx).Where("user_id = ? AND name = ?", userID, name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SubscriptionRecord{}, newServiceError(opUpsert, "not_found", err)
	}
	if err != nil {
		return SubscriptionRecord{}, newServiceError(opUpsert, "reload_failed", err)
	}
	return record, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync store error", attrs...)
}
