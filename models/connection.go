package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
)

const (
	ConnectionStatusConnected      = "connected"
	ConnectionStatusNeedsReconnect = "needs_reconnect"
	ConnectionStatusDisconnected   = "disconnected"
)

const (
	HealthStatusOK      = "ok"
	HealthStatusExpired = "expired"
	HealthStatusError   = "error"
)

// QboConnection holds a client's QuickBooks OAuth tokens. Token columns are
// vault-sealed; plaintext exists only in memory inside the vault helpers.
type QboConnection struct {
	ID                    uint       `gorm:"primary_key" json:"id"`
	FirmId                string     `gorm:"index;not null" json:"firm_id"`
	ClientId              uint       `gorm:"uniqueIndex;not null" json:"client_id"`
	RealmId               string     `gorm:"index;size:64;not null" json:"realm_id"`
	Status                string     `gorm:"size:20;not null;default:connected" json:"status"`
	AccessTokenEnc        []byte     `gorm:"type:blob" json:"-"`
	RefreshTokenEnc       []byte     `gorm:"type:blob" json:"-"`
	AccessTokenExpiresAt  time.Time  `json:"access_token_expires_at"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at"`
	RefreshTokenUpdatedAt *time.Time `json:"refresh_token_updated_at"`
	LastRefreshAt         *time.Time `json:"last_refresh_at"`
	LastHealthCheckAt     *time.Time `json:"last_health_check_at"`
	HealthStatus          string     `gorm:"size:20" json:"health_status"`
	CompanyName           string     `gorm:"size:255" json:"company_name"`
	Environment           string     `gorm:"size:20;not null;default:production" json:"environment"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// DropboxConnection is firm-wide; one Dropbox account serves all clients.
type DropboxConnection struct {
	ID                   uint      `gorm:"primary_key" json:"id"`
	FirmId               string    `gorm:"uniqueIndex;not null" json:"firm_id"`
	AccountId            string    `gorm:"size:128" json:"account_id"`
	AccessTokenEnc       []byte    `gorm:"type:blob" json:"-"`
	RefreshTokenEnc      []byte    `gorm:"type:blob" json:"-"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
	Status               string    `gorm:"size:20;not null;default:connected" json:"status"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetQboConnectionByClient(ctx context.Context, clientId uint) (*QboConnection, error) {
	db := config.GetDB()
	var result QboConnection

	err := db.WithContext(ctx).Model(&QboConnection{}).
		Where("client_id = ?", clientId).
		Take(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetQboConnectionByRealm(ctx context.Context, firmId string, realmId string) (*QboConnection, error) {
	db := config.GetDB()
	var result QboConnection

	err := db.WithContext(ctx).Model(&QboConnection{}).
		Where("firm_id = ? AND realm_id = ?", firmId, realmId).
		Take(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// ListConnectionsExpiringWithin returns connected QBO connections whose
// access token expires before now+horizon, oldest expiry first. Runs
// unscoped: the refresh scheduler works across firms.
func ListConnectionsExpiringWithin(ctx context.Context, horizon time.Duration) ([]*QboConnection, error) {
	db := config.GetDB()
	var results []*QboConnection

	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	err := db.WithContext(ctx).Model(&QboConnection{}).
		Where("status = ?", ConnectionStatusConnected).
		Where("access_token_expires_at < ?", time.Now().Add(horizon)).
		Order("access_token_expires_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func ListConnectedConnections(ctx context.Context, firmId string) ([]*QboConnection, error) {
	db := config.GetDB()
	var results []*QboConnection

	err := db.WithContext(ctx).Model(&QboConnection{}).
		Where("firm_id = ? AND status = ?", firmId, ConnectionStatusConnected).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// UpsertQboConnection replaces the token set after an OAuth exchange or
// refresh, flipping the connection back to connected.
func UpsertQboConnection(ctx context.Context, conn *QboConnection) (*QboConnection, error) {
	db := config.GetDB()

	existing, err := GetQboConnectionByClient(ctx, conn.ClientId)
	if err == utils.ErrorRecordNotFound {
		if err := db.WithContext(ctx).Create(conn).Error; err != nil {
			return nil, err
		}
		return conn, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	existing.RealmId = conn.RealmId
	existing.Status = ConnectionStatusConnected
	existing.AccessTokenEnc = conn.AccessTokenEnc
	existing.RefreshTokenEnc = conn.RefreshTokenEnc
	existing.AccessTokenExpiresAt = conn.AccessTokenExpiresAt
	existing.RefreshTokenExpiresAt = conn.RefreshTokenExpiresAt
	existing.RefreshTokenUpdatedAt = &now
	existing.CompanyName = conn.CompanyName
	existing.Environment = conn.Environment

	if err := db.WithContext(ctx).Save(existing).Error; err != nil {
		return nil, err
	}
	return existing, nil
}

// MarkConnectionNeedsReconnect flips the connection and its client into the
// needs_reconnect state. Terminal until the user re-authorizes.
func MarkConnectionNeedsReconnect(ctx context.Context, conn *QboConnection) error {
	db := config.GetDB()

	if err := db.WithContext(ctx).Model(&QboConnection{}).
		Where("id = ?", conn.ID).
		Updates(map[string]interface{}{
			"status":        ConnectionStatusNeedsReconnect,
			"health_status": HealthStatusExpired,
		}).Error; err != nil {
		return err
	}
	return SetClientConnectionStatus(ctx, conn.ClientId, ClientStatusNeedsReconnect)
}

func StampConnectionHealth(ctx context.Context, connId uint, healthStatus string) error {
	db := config.GetDB()
	now := time.Now()
	return db.WithContext(ctx).Model(&QboConnection{}).
		Where("id = ?", connId).
		Updates(map[string]interface{}{
			"health_status":        healthStatus,
			"last_health_check_at": now,
		}).Error
}

func GetDropboxConnection(ctx context.Context, firmId string) (*DropboxConnection, error) {
	db := config.GetDB()
	var result DropboxConnection

	err := db.WithContext(ctx).Model(&DropboxConnection{}).
		Where("firm_id = ?", firmId).
		Take(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func UpsertDropboxConnection(ctx context.Context, conn *DropboxConnection) (*DropboxConnection, error) {
	db := config.GetDB()

	existing, err := GetDropboxConnection(ctx, conn.FirmId)
	if err == utils.ErrorRecordNotFound {
		if err := db.WithContext(ctx).Create(conn).Error; err != nil {
			return nil, err
		}
		return conn, nil
	}
	if err != nil {
		return nil, err
	}

	existing.AccountId = conn.AccountId
	existing.Status = ConnectionStatusConnected
	existing.AccessTokenEnc = conn.AccessTokenEnc
	existing.RefreshTokenEnc = conn.RefreshTokenEnc
	existing.AccessTokenExpiresAt = conn.AccessTokenExpiresAt

	if err := db.WithContext(ctx).Save(existing).Error; err != nil {
		return nil, err
	}
	return existing, nil
}
