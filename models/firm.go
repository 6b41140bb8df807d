package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/google/uuid"
)

// Firm is the tenant. Every scoped table carries its id in firm_id.
type Firm struct {
	ID   string `gorm:"primary_key;size:36" json:"id"`
	Name string `gorm:"size:255;not null" json:"name" binding:"required"`

	// Per-firm QuickBooks app credentials. The secret is sealed by the vault
	// and never leaves the server decrypted.
	QboClientId        string `gorm:"size:255" json:"qbo_client_id"`
	QboClientSecretEnc []byte `gorm:"type:blob" json:"-"`
	QboEnvironment     string `gorm:"size:20;default:production" json:"qbo_environment"`

	NotifyEmail string `gorm:"size:100" json:"notify_email"`
	Timezone    string `gorm:"size:50" json:"timezone"`

	IsActive  *bool     `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewFirm struct {
	Name           string `json:"name" binding:"required"`
	QboClientId    string `json:"qbo_client_id"`
	QboEnvironment string `json:"qbo_environment"`
	NotifyEmail    string `json:"notify_email"`
	Timezone       string `json:"timezone"`
}

func CreateFirm(ctx context.Context, input *NewFirm) (*Firm, error) {
	db := config.GetDB()

	if input.NotifyEmail != "" && !utils.IsValidEmail(input.NotifyEmail) {
		return nil, errors.New("invalid notify email")
	}

	environment := input.QboEnvironment
	if environment == "" {
		environment = config.QboEnvironmentProduction
	}
	if environment != config.QboEnvironmentSandbox && environment != config.QboEnvironmentProduction {
		return nil, errors.New("invalid qbo environment")
	}

	firm := Firm{
		ID:             uuid.New().String(),
		Name:           input.Name,
		QboClientId:    input.QboClientId,
		QboEnvironment: environment,
		NotifyEmail:    input.NotifyEmail,
		Timezone:       input.Timezone,
		IsActive:       utils.NewTrue(),
	}

	if err := db.WithContext(ctx).Create(&firm).Error; err != nil {
		return nil, err
	}
	return &firm, nil
}

func GetFirm(ctx context.Context, id string) (*Firm, error) {
	db := config.GetDB()
	var result Firm

	err := db.WithContext(ctx).Model(&Firm{}).Where("id = ?", id).Take(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

type UpdateFirmInput struct {
	Name           *string `json:"name"`
	QboClientId    *string `json:"qbo_client_id"`
	QboEnvironment *string `json:"qbo_environment"`
	NotifyEmail    *string `json:"notify_email"`
	Timezone       *string `json:"timezone"`
	IsActive       *bool   `json:"is_active"`
}

func UpdateFirm(ctx context.Context, id string, input *UpdateFirmInput) (*Firm, error) {
	db := config.GetDB()

	firm, err := GetFirm(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		firm.Name = *input.Name
	}
	if input.QboClientId != nil {
		firm.QboClientId = *input.QboClientId
	}
	if input.QboEnvironment != nil {
		if *input.QboEnvironment != config.QboEnvironmentSandbox && *input.QboEnvironment != config.QboEnvironmentProduction {
			return nil, errors.New("invalid qbo environment")
		}
		firm.QboEnvironment = *input.QboEnvironment
	}
	if input.NotifyEmail != nil {
		if *input.NotifyEmail != "" && !utils.IsValidEmail(*input.NotifyEmail) {
			return nil, errors.New("invalid notify email")
		}
		firm.NotifyEmail = *input.NotifyEmail
	}
	if input.Timezone != nil {
		firm.Timezone = *input.Timezone
	}
	if input.IsActive != nil {
		firm.IsActive = input.IsActive
	}

	if err := db.WithContext(ctx).Save(firm).Error; err != nil {
		return nil, err
	}
	return firm, nil
}

// SetFirmQboSecret stores the vault-sealed client secret.
func SetFirmQboSecret(ctx context.Context, id string, sealed []byte) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Firm{}).
		Where("id = ?", id).
		Update("qbo_client_secret_enc", sealed).Error
}
