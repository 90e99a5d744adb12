package sheetsync

import (
	"context"
	"time"

	"bitbucket.org/kamdental/dentalsync_backend/config"
	"bitbucket.org/kamdental/dentalsync_backend/models"
	"bitbucket.org/kamdental/dentalsync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxAuditMessage bounds stored messages so a pathological error string
// cannot bloat the table.
const maxAuditMessage = 1000

// AuditLog is the append-only record of every sync attempt. It is the sole
// source of truth for "did this sync succeed".
type AuditLog struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewAuditLog(db *gorm.DB, logger *logrus.Logger) *AuditLog {
	return &AuditLog{db: db, logger: logger, now: time.Now}
}

// Record appends one entry. A nil DB (tests, degraded startup) still logs.
func (a *AuditLog) Record(ctx context.Context, entry models.AuditLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}
	if entry.ClinicId == "" {
		if clinicId, ok := utils.GetClinicIdFromContext(ctx); ok {
			entry.ClinicId = clinicId
		}
	}
	entry.Message = utils.Truncate(entry.Message, maxAuditMessage)

	if a.logger != nil {
		fields := logrus.Fields{
			"operation": entry.OperationName,
			"status":    entry.Status,
			"rows":      entry.RowsProcessed,
			"attempted": entry.RowsAttempted,
			"duration":  entry.DurationMs,
			"clinic_id": entry.ClinicId,
		}
		if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
			fields["correlation_id"] = correlationId
		}
		a.logger.WithFields(fields).Info(entry.Message)
	}

	if a.db == nil {
		return
	}
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		config.LogError(a.logger, "sheetsync", "Record", "failed to append audit entry", entry.OperationName, err)
	}
}

// Cleanup is the only operation allowed to delete audit entries. Returns the
// number of rows removed.
func (a *AuditLog) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if a.db == nil {
		return 0, nil
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	cutoff := a.now().AddDate(0, 0, -retentionDays)
	result := a.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.AuditLogEntry{})
	return result.RowsAffected, result.Error
}
