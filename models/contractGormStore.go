package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormContractStore persists contracts in MySQL. Each write is one transaction
// guarded by the version column.
type GormContractStore struct {
	DB *gorm.DB
}

func NewGormContractStore(db *gorm.DB) *GormContractStore {
	return &GormContractStore{DB: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (s *GormContractStore) Create(ctx context.Context, c *Contract) error {
	records := c.TakeNotifications()
	stampCorrelation(ctx, records)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(c).Error; err != nil {
			return err
		}
		if len(c.Parties) > 0 {
			if err := tx.Create(&c.Parties).Error; err != nil {
				return err
			}
		}
		if len(c.AuditTrail) > 0 {
			if err := tx.Create(&c.AuditTrail).Error; err != nil {
				return err
			}
		}
		if len(c.Documents) > 0 {
			if err := tx.Create(&c.Documents).Error; err != nil {
				return err
			}
		}
		return createNotifications(tx, records)
	})
	if err != nil {
		c.outbox = append(records, c.outbox...)
		if isDuplicateKeyErr(err) {
			return &ConcurrentModificationError{ContractId: c.ID, Expected: 0}
		}
		return err
	}
	return nil
}

func (s *GormContractStore) Get(ctx context.Context, id string) (*Contract, error) {
	var c Contract
	err := s.DB.WithContext(ctx).
		Preload("Parties", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("AuditTrail", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Preload("Documents", func(db *gorm.DB) *gorm.DB { return db.Order("uploaded_at ASC, id ASC") }).
		Where("id = ?", id).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	c.normalize()
	return &c, nil
}

func (s *GormContractStore) Save(ctx context.Context, c *Contract, expectedVersion int64) error {
	records := c.TakeNotifications()
	stampCorrelation(ctx, records)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(c).
			Where("version = ?", expectedVersion).
			Select("*").
			Omit(clause.Associations, "CreatedAt").
			Updates(c)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var actual int64
			found := tx.Model(&Contract{}).Select("version").Where("id = ?", c.ID).Scan(&actual)
			if found.Error != nil {
				return found.Error
			}
			if found.RowsAffected == 0 {
				return ErrContractNotFound
			}
			return &ConcurrentModificationError{ContractId: c.ID, Expected: expectedVersion, Actual: actual}
		}

		if len(c.Parties) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&c.Parties).Error; err != nil {
				return err
			}
		}

		var lastSequence int
		if err := tx.Model(&AuditEntry{}).
			Select("COALESCE(MAX(sequence), 0)").
			Where("contract_id = ?", c.ID).
			Scan(&lastSequence).Error; err != nil {
			return err
		}
		if lastSequence > len(c.AuditTrail) {
			return fmt.Errorf("save contract %s: %w", c.ID, errAuditRewrite)
		}
		if fresh := c.AuditTrail[lastSequence:]; len(fresh) > 0 {
			if err := tx.Create(&fresh).Error; err != nil {
				return err
			}
		}

		if len(c.Documents) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&c.Documents).Error; err != nil {
				return err
			}
		}
		return createNotifications(tx, records)
	})
	if err != nil {
		// keep them for a retry of the same aggregate
		c.outbox = append(records, c.outbox...)
		if isDuplicateKeyErr(err) {
			return &ConcurrentModificationError{ContractId: c.ID, Expected: expectedVersion}
		}
		return err
	}
	return nil
}

func (s *GormContractStore) ListByUser(ctx context.Context, userId, email string) ([]*Contract, error) {
	db := s.DB.WithContext(ctx)
	partyQuery := db.Model(&Party{}).Select("contract_id")
	switch {
	case userId != "" && email != "":
		partyQuery = partyQuery.Where("user_id = ? OR email = ?", userId, email)
	case userId != "":
		partyQuery = partyQuery.Where("user_id = ?", userId)
	case email != "":
		partyQuery = partyQuery.Where("email = ?", email)
	default:
		return []*Contract{}, nil
	}

	var ids []string
	if err := db.Model(&Contract{}).
		Where("initiator_id = ? OR id IN (?)", userId, partyQuery).
		Order("created_at DESC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	out := make([]*Contract, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *GormContractStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND version = ?", id, expectedVersion).Delete(&Contract{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var actual int64
			found := tx.Model(&Contract{}).Select("version").Where("id = ?", id).Scan(&actual)
			if found.Error != nil {
				return found.Error
			}
			if found.RowsAffected == 0 {
				return ErrContractNotFound
			}
			return &ConcurrentModificationError{ContractId: id, Expected: expectedVersion, Actual: actual}
		}
		for _, child := range []interface{}{&Party{}, &AuditEntry{}, &ContractDocument{}} {
			if err := tx.Where("contract_id = ?", id).Delete(child).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func createNotifications(tx *gorm.DB, records []NotificationRecord) error {
	if len(records) == 0 {
		return nil
	}
	return tx.Create(&records).Error
}

func (s *GormContractStore) ClaimNotifications(ctx context.Context, dispatcherId string, limit int, lockTimeout time.Duration, maxAttempts int) ([]NotificationRecord, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-lockTimeout)
	var claimed []NotificationRecord
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// ready PENDING/FAILED rows, or PROCESSING rows whose dispatcher died
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{OutboxPublishStatusPending, OutboxPublishStatusFailed}, now, OutboxPublishStatusProcessing, staleBefore).
			Order("created_at ASC, id ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		kept := claimed[:0]
		for i := range claimed {
			rec := claimed[i]
			if maxAttempts > 0 && rec.PublishAttempts >= maxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", maxAttempts)
				if err := tx.Model(&NotificationRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
					"publish_status":     OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}
			by := dispatcherId
			rec.PublishStatus = OutboxPublishStatusProcessing
			rec.LockedAt = &now
			rec.LockedBy = &by
			rec.PublishAttempts++
			rec.LastPublishError = nil
			rec.NextAttemptAt = nil
			if err := tx.Model(&NotificationRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
				"publish_status":     rec.PublishStatus,
				"locked_at":          rec.LockedAt,
				"locked_by":          rec.LockedBy,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
			kept = append(kept, rec)
		}
		claimed = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormContractStore) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	return s.DB.WithContext(ctx).Model(&NotificationRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":  OutboxPublishStatusSent,
			"published_at":    &at,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
}

// MarkNotificationFailed schedules a retry, or marks the record DEAD when nextAttemptAt is nil.
func (s *GormContractStore) MarkNotificationFailed(ctx context.Context, id string, cause error, nextAttemptAt *time.Time) error {
	msg := cause.Error()
	status := OutboxPublishStatusFailed
	if nextAttemptAt == nil {
		status = OutboxPublishStatusDead
	}
	return s.DB.WithContext(ctx).Model(&NotificationRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     status,
			"last_publish_error": &msg,
			"next_attempt_at":    nextAttemptAt,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}
