package models

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
)

const (
	OAuthProviderQbo     = "qbo"
	OAuthProviderDropbox = "dropbox"
)

// StateTTL bounds how long an authorize redirect may stay pending.
const StateTTL = 10 * time.Minute

var ErrInvalidState = errors.New("invalid or expired state")

// OAuthState is the CSRF guard for the OAuth redirect dance. Each state is
// random, bound to the issuing user, and consumable exactly once.
type OAuthState struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	State        string    `gorm:"uniqueIndex;size:64;not null" json:"state"`
	FirmId       string    `gorm:"index;not null" json:"firm_id"`
	UserId       int       `gorm:"index" json:"user_id"`
	Provider     string    `gorm:"size:20;not null" json:"provider"`
	Environment  string    `gorm:"size:20" json:"environment"`
	ClientId     *uint     `json:"client_id"`
	CodeVerifier string    `gorm:"size:128" json:"-"`
	ExpiresAt    time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func newStateValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueOAuthState creates and persists a fresh state record.
func IssueOAuthState(ctx context.Context, firmId string, userId int, provider string, environment string, clientId *uint, codeVerifier string) (*OAuthState, error) {
	db := config.GetDB()

	value, err := newStateValue()
	if err != nil {
		return nil, err
	}

	record := OAuthState{
		State:        value,
		FirmId:       firmId,
		UserId:       userId,
		Provider:     provider,
		Environment:  environment,
		ClientId:     clientId,
		CodeVerifier: codeVerifier,
		ExpiresAt:    time.Now().Add(StateTTL),
	}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// ConsumeOAuthState validates a returned state and burns it. The conditional
// DELETE makes consumption atomic: two concurrent callbacks with the same
// state cannot both win.
func ConsumeOAuthState(ctx context.Context, state string, provider string) (*OAuthState, error) {
	db := config.GetDB()

	// The browser redirect carries no session, so there is no firm scope yet.
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	var record OAuthState
	err := db.WithContext(ctx).Model(&OAuthState{}).
		Where("state = ? AND provider = ?", state, provider).
		Take(&record).Error
	if err != nil {
		return nil, ErrInvalidState
	}

	res := db.WithContext(ctx).
		Where("state = ? AND expires_at > ?", state, time.Now()).
		Delete(&OAuthState{})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrInvalidState
	}
	return &record, nil
}

// SweepExpiredStates garbage-collects abandoned authorize attempts.
func SweepExpiredStates(ctx context.Context) (int64, error) {
	db := config.GetDB()

	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	res := db.WithContext(ctx).
		Where("expires_at <= ?", time.Now()).
		Delete(&OAuthState{})
	return res.RowsAffected, res.Error
}
