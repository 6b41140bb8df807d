package qbosync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"bitbucket.org/mmdatafocus/recon_backend/vault"
	"github.com/gin-gonic/gin"
)

// RefreshHorizon selects connections whose access token expires soon enough
// to be worth rotating proactively.
const RefreshHorizon = 7 * 24 * time.Hour

// refreshSpacing keeps sequential refreshes from hammering the token
// endpoint.
const refreshSpacing = 2 * time.Second

// RefreshOne rotates a single connection's token pair. An invalid_grant is
// terminal: the connection and its client flip to needs_reconnect and stay
// there until the user re-authorizes. Anything else is transient and leaves
// the stored tokens untouched.
func RefreshOne(ctx context.Context, conn *models.QboConnection) error {
	logger := config.GetLogger()

	ctx = utils.SetFirmIdInContext(ctx, conn.FirmId)

	firm, err := models.GetFirm(ctx, conn.FirmId)
	if err != nil {
		return err
	}
	qbo, err := newQboClient(firm)
	if err != nil {
		return err
	}

	tokens, err := vault.RetrieveQboTokens(conn)
	if err != nil {
		return err
	}

	fresh, err := qbo.refreshTokens(ctx, tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			config.LogError(logger, moduleName, "RefreshOne", "refresh token rejected", conn.RealmId, err)
			if markErr := models.MarkConnectionNeedsReconnect(ctx, conn); markErr != nil {
				return markErr
			}
			return err
		}
		config.LogError(logger, moduleName, "RefreshOne", "transient refresh failure", conn.RealmId, err)
		return err
	}

	if _, err := vault.StoreQboTokens(ctx, conn, fresh); err != nil {
		return err
	}

	db := config.GetDB()
	now := time.Now()
	if err := db.WithContext(ctx).Model(&models.QboConnection{}).
		Where("id = ?", conn.ID).
		Update("last_refresh_at", now).Error; err != nil {
		return err
	}

	models.RecordNotification(ctx, conn.FirmId, models.NotificationKindTokenRefreshed, conn.RealmId,
		"tokens refreshed", "next expiry "+fresh.AccessTokenExpiresAt.Format(time.RFC3339))
	return nil
}

type RefreshSummary struct {
	Checked        int      `json:"checked"`
	Refreshed      int      `json:"refreshed"`
	NeedsReconnect []string `json:"needs_reconnect,omitempty"`
	Errors         int      `json:"errors"`
}

// RefreshExpiring walks every connection expiring inside the horizon,
// sequentially with a fixed delay. Sequential on purpose: the token endpoint
// rate-limits per app, and a burst of refreshes after downtime would trip it.
func RefreshExpiring(ctx context.Context) (*RefreshSummary, error) {
	conns, err := models.ListConnectionsExpiringWithin(ctx, RefreshHorizon)
	if err != nil {
		return nil, err
	}

	summary := RefreshSummary{Checked: len(conns)}
	for i, conn := range conns {
		if i > 0 {
			time.Sleep(refreshSpacing)
		}
		if err := RefreshOne(ctx, conn); err != nil {
			if errors.Is(err, ErrInvalidGrant) {
				summary.NeedsReconnect = append(summary.NeedsReconnect, conn.RealmId)
			} else {
				summary.Errors++
			}
			continue
		}
		summary.Refreshed++
	}
	return &summary, nil
}

type HealthSummary struct {
	Checked        int      `json:"checked"`
	Healthy        int      `json:"healthy"`
	NeedsReconnect []string `json:"needs_reconnect,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// HealthCheckFirm probes every connected realm of one firm with a cheap
// company-info read. 200 proves the whole chain works and stamps the client;
// 401 means the tokens are dead; any other failure is reported but does not
// change connection state.
func HealthCheckFirm(ctx context.Context, firmId string) (*HealthSummary, error) {
	logger := config.GetLogger()
	ctx = utils.SetFirmIdInContext(ctx, firmId)

	firm, err := models.GetFirm(ctx, firmId)
	if err != nil {
		return nil, err
	}
	qbo, err := newQboClient(firm)
	if err != nil {
		return nil, err
	}

	conns, err := models.ListConnectedConnections(ctx, firmId)
	if err != nil {
		return nil, err
	}

	summary := HealthSummary{Checked: len(conns)}
	for _, conn := range conns {
		accessToken, err := vault.EnsureValid(ctx, conn, func(ctx context.Context, c *models.QboConnection) (vault.TokenSet, error) {
			tokens, err := vault.RetrieveQboTokens(c)
			if err != nil {
				return vault.TokenSet{}, err
			}
			return qbo.refreshTokens(ctx, tokens.RefreshToken)
		})
		if err != nil {
			if errors.Is(err, ErrInvalidGrant) {
				if markErr := models.MarkConnectionNeedsReconnect(ctx, conn); markErr != nil {
					config.LogError(logger, moduleName, "HealthCheckFirm", "mark reconnect failed", conn.RealmId, markErr)
				}
				summary.NeedsReconnect = append(summary.NeedsReconnect, conn.RealmId)
				continue
			}
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", conn.RealmId, err))
			continue
		}

		_, status, err := qbo.companyInfo(ctx, accessToken, conn.RealmId)
		switch {
		case err == nil:
			if stampErr := models.StampConnectionHealth(ctx, conn.ID, models.HealthStatusOK); stampErr != nil {
				config.LogError(logger, moduleName, "HealthCheckFirm", "health stamp failed", conn.RealmId, stampErr)
			}
			now := time.Now()
			db := config.GetDB()
			if touchErr := db.WithContext(ctx).Model(&models.Client{}).
				Where("id = ?", conn.ClientId).
				Update("last_sync_at", now).Error; touchErr != nil {
				config.LogError(logger, moduleName, "HealthCheckFirm", "client touch failed", conn.RealmId, touchErr)
			}
			summary.Healthy++
		case status == http.StatusUnauthorized:
			if markErr := models.MarkConnectionNeedsReconnect(ctx, conn); markErr != nil {
				config.LogError(logger, moduleName, "HealthCheckFirm", "mark reconnect failed", conn.RealmId, markErr)
			}
			summary.NeedsReconnect = append(summary.NeedsReconnect, conn.RealmId)
		default:
			if stampErr := models.StampConnectionHealth(ctx, conn.ID, models.HealthStatusError); stampErr != nil {
				config.LogError(logger, moduleName, "HealthCheckFirm", "health stamp failed", conn.RealmId, stampErr)
			}
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", conn.RealmId, err))
		}
	}

	// One aggregated notice per sweep, however many realms went stale.
	if len(summary.NeedsReconnect) > 0 {
		models.RecordNotification(ctx, firmId, models.NotificationKindReconnect, "",
			fmt.Sprintf("%d connection(s) need reconnect", len(summary.NeedsReconnect)),
			"realms: "+strings.Join(summary.NeedsReconnect, ", "))
	}
	models.RecordNotification(ctx, firmId, models.NotificationKindHealthResult, "",
		fmt.Sprintf("health check: %d/%d healthy", summary.Healthy, summary.Checked), "")

	return &summary, nil
}

// RefreshExpiringHandler is the Cloud Scheduler / ops entry point.
func RefreshExpiringHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := RefreshExpiring(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func HealthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		firmId, ok := utils.GetFirmIdFromContext(ctx)
		if !ok || firmId == "" {
			// Internal route may name the firm explicitly.
			firmId = c.Query("firm_id")
		}
		if firmId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "firm_id is required"})
			return
		}
		summary, err := HealthCheckFirm(ctx, firmId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}
