package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
)

const (
	NotificationKindTokenStored    = "token_stored"
	NotificationKindTokenRefreshed = "token_refreshed"
	NotificationKindOAuthOK        = "oauth_ok"
	NotificationKindOAuthFailed    = "oauth_failed"
	NotificationKindHealthResult   = "health_result"
	NotificationKindReconnect      = "needs_reconnect"
	NotificationKindRunStarted     = "run_started"
	NotificationKindRunCompleted   = "run_completed"
	NotificationKindRunFailed      = "run_failed"
)

// NotificationLog is an append-only audit of connection and run lifecycle
// events. Rows are never updated.
type NotificationLog struct {
	ID          int       `gorm:"primary_key" json:"id"`
	FirmId      string    `gorm:"index;not null" json:"firm_id"`
	Kind        string    `gorm:"size:30;not null" json:"kind"`
	ReferenceId string    `gorm:"index;size:64" json:"reference_id"`
	Subject     string    `gorm:"size:255" json:"subject"`
	Body        string    `gorm:"type:text" json:"body"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RecordNotification appends an audit row. Failures are logged, not
// propagated: audit must never break the operation it describes.
func RecordNotification(ctx context.Context, firmId string, kind string, referenceId string, subject string, body string) {
	db := config.GetDB()
	if db == nil {
		return
	}
	entry := NotificationLog{
		FirmId:      firmId,
		Kind:        kind,
		ReferenceId: referenceId,
		Subject:     subject,
		Body:        body,
	}
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		config.LogError(config.GetLogger(), "models", "RecordNotification", kind, firmId, err)
	}
}

func GetNotificationLogs(ctx context.Context, kind *string, referenceId *string, limit int) ([]*NotificationLog, error) {
	db := config.GetDB()
	var results []*NotificationLog

	firmId, ok := utils.GetFirmIdFromContext(ctx)
	if !ok || firmId == "" {
		return nil, errors.New("firm id is required")
	}

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	dbCtx := db.WithContext(ctx).Where("firm_id = ?", firmId)
	if kind != nil && *kind != "" {
		dbCtx = dbCtx.Where("kind = ?", *kind)
	}
	if referenceId != nil && *referenceId != "" {
		dbCtx = dbCtx.Where("reference_id = ?", *referenceId)
	}
	err := dbCtx.Order("created_at DESC").Limit(limit).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
