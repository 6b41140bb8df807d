package models

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ClientStatusPending        = "pending"
	ClientStatusConnected      = "connected"
	ClientStatusDisconnected   = "disconnected"
	ClientStatusNeedsReconnect = "needs_reconnect"
)

const (
	StatusColorGreen  = "green"
	StatusColorYellow = "yellow"
	StatusColorRed    = "red"
)

// Client is one bookkeeping client of the firm, keyed to a QuickBooks
// company by realm_id.
type Client struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	FirmId           string     `gorm:"uniqueIndex:idx_client_realm,priority:1;not null" json:"firm_id"`
	RealmId          string     `gorm:"uniqueIndex:idx_client_realm,priority:2;size:64;not null" json:"realm_id"`
	Name             string     `gorm:"size:255;not null" json:"name"`
	Email            *string    `gorm:"size:100" json:"email"`
	Phone            string     `gorm:"size:20" json:"phone"`
	ConnectionStatus string     `gorm:"size:20;not null;default:pending" json:"connection_status"`
	DropboxFolder    string     `gorm:"size:512" json:"dropbox_folder"`
	SheetUrl         string     `gorm:"size:1024" json:"sheet_url"`
	ActionItemsCount *int       `json:"action_items_count"`
	StatusColor      string     `gorm:"size:10;not null;default:green" json:"status_color"`
	LastSyncAt       *time.Time `json:"last_sync_at"`
	IsActive         *bool      `gorm:"not null" json:"is_active"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewClient struct {
	Name          string `json:"name" binding:"required"`
	RealmId       string `json:"realm_id" binding:"required"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	DropboxFolder string `json:"dropbox_folder"`
}

// StatusColorForCount maps the open action-item count to the dashboard's
// traffic light. A missing count means nothing is outstanding.
func StatusColorForCount(count *int) string {
	if count == nil {
		return StatusColorGreen
	}
	switch {
	case *count <= 0:
		return StatusColorGreen
	case *count <= 3:
		return StatusColorYellow
	default:
		return StatusColorRed
	}
}

func CreateClient(ctx context.Context, input *NewClient) (*Client, error) {
	db := config.GetDB()

	firmId, ok := utils.GetFirmIdFromContext(ctx)
	if !ok || firmId == "" {
		return nil, errors.New("firm id is required")
	}

	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return nil, err
		}
	}

	client := Client{
		FirmId:           firmId,
		RealmId:          input.RealmId,
		Name:             input.Name,
		Email:            utils.NilIfEmpty(input.Email),
		Phone:            input.Phone,
		ConnectionStatus: ClientStatusPending,
		DropboxFolder:    input.DropboxFolder,
		StatusColor:      StatusColorGreen,
		IsActive:         utils.NewTrue(),
	}

	if err := db.WithContext(ctx).Create(&client).Error; err != nil {
		if IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("client with realm %s already exists", input.RealmId)
		}
		return nil, err
	}
	return &client, nil
}

func GetClient(ctx context.Context, id uint) (*Client, error) {
	db := config.GetDB()
	var result Client

	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetClientByRealm(ctx context.Context, firmId string, realmId string) (*Client, error) {
	db := config.GetDB()
	var result Client

	err := db.WithContext(ctx).Model(&Client{}).
		Where("firm_id = ? AND realm_id = ?", firmId, realmId).
		Take(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetAllClients(ctx context.Context) ([]*Client, error) {
	db := config.GetDB()
	var results []*Client

	if err := db.WithContext(ctx).Order("name ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

type UpdateClientInput struct {
	Name          *string `json:"name"`
	Email         *string `json:"email"`
	Phone         *string `json:"phone"`
	DropboxFolder *string `json:"dropbox_folder"`
	IsActive      *bool   `json:"is_active"`
}

func UpdateClient(ctx context.Context, id uint, input *UpdateClientInput) (*Client, error) {
	db := config.GetDB()

	client, err := GetClient(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		client.Name = *input.Name
	}
	if input.Email != nil {
		if *input.Email != "" && !utils.IsValidEmail(*input.Email) {
			return nil, errors.New("invalid email")
		}
		client.Email = utils.NilIfEmpty(*input.Email)
	}
	if input.Phone != nil {
		if *input.Phone != "" {
			if err := utils.ValidatePhoneNumber(*input.Phone, utils.CountryCode); err != nil {
				return nil, err
			}
		}
		client.Phone = *input.Phone
	}
	if input.DropboxFolder != nil {
		client.DropboxFolder = *input.DropboxFolder
	}
	if input.IsActive != nil {
		client.IsActive = input.IsActive
	}

	if err := db.WithContext(ctx).Save(client).Error; err != nil {
		return nil, err
	}
	return client, nil
}

func DeleteClient(ctx context.Context, id uint) (*Client, error) {
	db := config.GetDB()

	client, err := GetClient(ctx, id)
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("client_id = ?", id).Delete(&QboConnection{}).Error; err != nil {
			return err
		}
		return tx.Delete(client).Error
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureClientByRealm returns the client for (firmId, realmId), creating a
// placeholder row when the realm shows up for the first time (e.g. a callback
// for a company connected outside the dashboard).
func EnsureClientByRealm(ctx context.Context, firmId string, realmId string, name string) (*Client, error) {
	client, err := GetClientByRealm(ctx, firmId, realmId)
	if err == nil {
		return client, nil
	}
	if err != utils.ErrorRecordNotFound {
		return nil, err
	}

	if name == "" {
		name = "Realm " + realmId
	}
	db := config.GetDB()
	newClient := Client{
		FirmId:           firmId,
		RealmId:          realmId,
		Name:             name,
		ConnectionStatus: ClientStatusPending,
		StatusColor:      StatusColorGreen,
		IsActive:         utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&newClient).Error; err != nil {
		if IsDuplicateKeyError(err) {
			// lost the race; the row exists now
			return GetClientByRealm(ctx, firmId, realmId)
		}
		return nil, err
	}
	return &newClient, nil
}

// ApplyReviewResult writes the outcome of a completed review onto the client
// card: sheet link, open item count and the derived traffic light.
func ApplyReviewResult(ctx context.Context, clientId uint, sheetUrl string, count *int, completedAt time.Time) error {
	db := config.GetDB()

	updates := map[string]interface{}{
		"action_items_count": count,
		"status_color":       StatusColorForCount(count),
		"last_sync_at":       completedAt,
	}
	if sheetUrl != "" {
		updates["sheet_url"] = sheetUrl
	}
	return db.WithContext(ctx).Model(&Client{}).
		Where("id = ?", clientId).
		Updates(updates).Error
}

func SetClientConnectionStatus(ctx context.Context, clientId uint, status string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Client{}).
		Where("id = ?", clientId).
		Update("connection_status", status).Error
}

type ClientCSVRow struct {
	Name          string `validate:"required,min=1,max=255"`
	RealmId       string `validate:"required,max=64"`
	Email         string `validate:"omitempty,email"`
	Phone         string `validate:"omitempty,max=20"`
	DropboxFolder string `validate:"omitempty,max=512"`
}

type ImportClientsResult struct {
	Imported int               `json:"imported"`
	Skipped  int               `json:"skipped"`
	Errors   map[string]string `json:"errors,omitempty"`
}

var csvValidate = validator.New()

// ImportClientsCSV loads a roster file. Expected header:
// name,realm_id,email,phone,dropbox_folder. With replaceAll the firm's
// existing roster is dropped first inside the same transaction.
func ImportClientsCSV(ctx context.Context, file io.Reader, replaceAll bool) (*ImportClientsResult, error) {
	firmId, ok := utils.GetFirmIdFromContext(ctx)
	if !ok || firmId == "" {
		return nil, errors.New("firm id is required")
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid csv: %v", err)
	}
	if len(records) < 2 {
		return nil, errors.New("csv has no data rows")
	}

	header := records[0]
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"name", "realm_id"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv missing column %q", required)
		}
	}

	cell := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	result := ImportClientsResult{Errors: map[string]string{}}
	var rows []ClientCSVRow
	for n, record := range records[1:] {
		row := ClientCSVRow{
			Name:          cell(record, "name"),
			RealmId:       cell(record, "realm_id"),
			Email:         cell(record, "email"),
			Phone:         cell(record, "phone"),
			DropboxFolder: cell(record, "dropbox_folder"),
		}
		if err := csvValidate.Struct(row); err != nil {
			result.Skipped++
			result.Errors[fmt.Sprintf("row %d", n+2)] = err.Error()
			continue
		}
		if row.Phone != "" {
			if err := utils.ValidatePhoneNumber(row.Phone, utils.CountryCode); err != nil {
				result.Skipped++
				result.Errors[fmt.Sprintf("row %d", n+2)] = "invalid phone: " + err.Error()
				continue
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return &result, errors.New("no valid rows")
	}

	if err := utils.FirmLock(ctx, firmId, "ClientImport", "models", "ImportClientsCSV"); err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if replaceAll {
			if err := tx.Where("firm_id = ?", firmId).Delete(&QboConnection{}).Error; err != nil {
				return err
			}
			if err := tx.Where("firm_id = ?", firmId).Delete(&Client{}).Error; err != nil {
				return err
			}
		}
		for _, row := range rows {
			client := Client{
				FirmId:           firmId,
				RealmId:          row.RealmId,
				Name:             row.Name,
				Email:            utils.NilIfEmpty(row.Email),
				Phone:            row.Phone,
				ConnectionStatus: ClientStatusPending,
				DropboxFolder:    row.DropboxFolder,
				StatusColor:      StatusColorGreen,
				IsActive:         utils.NewTrue(),
			}
			if err := tx.Create(&client).Error; err != nil {
				if IsDuplicateKeyError(err) {
					result.Skipped++
					result.Errors[row.RealmId] = "duplicate realm"
					continue
				}
				return err
			}
			result.Imported++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Archive the original file; failures here do not fail the import.
	objectName := fmt.Sprintf("imports/%s/%s.csv", firmId, utils.GenerateUniqueFilename())
	if err := utils.UploadBytesToGCS(ctx, objectName, raw, "text/csv"); err != nil {
		config.LogError(config.GetLogger(), "models", "ImportClientsCSV", "failed to archive csv", firmId, err)
	}

	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return &result, nil
}
