package qbosync

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"bitbucket.org/mmdatafocus/recon_backend/vault"
	"github.com/gin-gonic/gin"
)

const moduleName = "qbosync"

// BeginAuthHandler issues a CSRF state and returns the Intuit authorize URL
// the frontend should send the user to.
func BeginAuthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		firmId, ok := utils.GetFirmIdFromContext(ctx)
		if !ok || firmId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userId, _ := utils.GetUserIdFromContext(ctx)

		firm, err := models.GetFirm(ctx, firmId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		client, err := newQboClient(firm)
		if err != nil {
			if errors.Is(err, config.ErrIntegrationNotConfigured) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "quickbooks app credentials are not configured"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Optional: reconnecting a specific client card.
		var clientId *uint
		if v := c.Query("client_id"); v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				id := uint(n)
				clientId = &id
			}
		}

		state, err := models.IssueOAuthState(ctx, firmId, userId, models.OAuthProviderQbo, firm.QboEnvironment, clientId, "")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		appBase, err := config.AppBaseURL()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "APP_BASE_URL is not configured"})
			return
		}

		params := url.Values{}
		params.Set("client_id", client.clientId)
		params.Set("response_type", "code")
		params.Set("scope", config.QboScope())
		params.Set("redirect_uri", appBase+"/api/qbo/callback")
		params.Set("state", state.State)

		c.JSON(http.StatusOK, gin.H{"url": config.QboAuthorizeURL() + "?" + params.Encode()})
	}
}

func redirectWithError(c *gin.Context, errCode string, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)
	c.Redirect(http.StatusFound, config.DashboardBaseURL()+"/settings/connections?"+params.Encode())
}

// CallbackHandler finishes the three-legged dance. Every abort path lands
// back on the dashboard with error + error_description; nothing is surfaced
// as a bare API error because the caller is a browser.
func CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := config.GetLogger()

		if oauthErr := c.Query("error"); oauthErr != "" {
			// Intuit aborted the dance; surface its error code as-is so a
			// server_error is not dressed up as a user decline.
			redirectWithError(c, oauthErr, "authorization was not completed")
			return
		}

		code := c.Query("code")
		stateValue := c.Query("state")
		realmId := c.Query("realmId")
		if code == "" || stateValue == "" || realmId == "" {
			redirectWithError(c, "invalid_request", "missing code, state or realmId")
			return
		}

		state, err := models.ConsumeOAuthState(ctx, stateValue, models.OAuthProviderQbo)
		if err != nil {
			redirectWithError(c, "invalid_state", "state is unknown, expired or already used")
			return
		}

		ctx = utils.SetFirmIdInContext(ctx, state.FirmId)

		firm, err := models.GetFirm(ctx, state.FirmId)
		if err != nil {
			config.LogError(logger, moduleName, "CallbackHandler", "firm lookup failed", state.FirmId, err)
			redirectWithError(c, "invalid_state", "firm not found")
			return
		}

		qbo, err := newQboClient(firm)
		if err != nil {
			config.LogError(logger, moduleName, "CallbackHandler", "client init failed", state.FirmId, err)
			redirectWithError(c, "token_exchange_failed", "quickbooks app credentials are not configured")
			return
		}

		appBase, err := config.AppBaseURL()
		if err != nil {
			redirectWithError(c, "token_exchange_failed", "APP_BASE_URL is not configured")
			return
		}

		tokens, err := qbo.exchangeCode(ctx, code, appBase+"/api/qbo/callback")
		if err != nil {
			config.LogError(logger, moduleName, "CallbackHandler", "code exchange failed", realmId, err)
			models.RecordNotification(ctx, state.FirmId, models.NotificationKindOAuthFailed, realmId,
				"oauth exchange failed", err.Error())
			redirectWithError(c, "token_exchange_failed", "could not exchange the authorization code")
			return
		}

		client, err := models.EnsureClientByRealm(ctx, state.FirmId, realmId, "")
		if err != nil {
			config.LogError(logger, moduleName, "CallbackHandler", "client vivify failed", realmId, err)
			redirectWithError(c, "token_exchange_failed", "could not register the company")
			return
		}

		conn := &models.QboConnection{
			FirmId:      state.FirmId,
			ClientId:    client.ID,
			RealmId:     realmId,
			Environment: firm.QboEnvironment,
		}
		if _, err := vault.StoreQboTokens(ctx, conn, tokens); err != nil {
			config.LogError(logger, moduleName, "CallbackHandler", "token store failed", realmId, err)
			redirectWithError(c, "token_exchange_failed", "could not store tokens")
			return
		}

		if err := models.SetClientConnectionStatus(ctx, client.ID, models.ClientStatusConnected); err != nil {
			config.LogError(logger, moduleName, "CallbackHandler", "client status update failed", realmId, err)
		}

		// Best-effort company name; the connection works without it.
		if name, _, err := qbo.companyInfo(ctx, tokens.AccessToken, realmId); err == nil && name != "" {
			db := config.GetDB()
			if err := db.WithContext(ctx).Model(&models.QboConnection{}).
				Where("id = ?", conn.ID).
				Update("company_name", name).Error; err == nil {
				if client.Name == "" || client.Name == "Realm "+realmId {
					_ = db.WithContext(ctx).Model(&models.Client{}).
						Where("id = ?", client.ID).
						Update("name", name).Error
				}
			}
		}

		models.RecordNotification(ctx, state.FirmId, models.NotificationKindOAuthOK, realmId,
			"quickbooks connected", "realm "+realmId+" connected at "+time.Now().Format(time.RFC3339))

		params := url.Values{}
		params.Set("connected", realmId)
		c.Redirect(http.StatusFound, config.DashboardBaseURL()+"/settings/connections?"+params.Encode())
	}
}

// DisconnectHandler revokes a client's stored tokens.
func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		firmId, ok := utils.GetFirmIdFromContext(ctx)
		if !ok || firmId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		clientId, err := strconv.ParseUint(c.Param("clientId"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
			return
		}

		conn, err := models.GetQboConnectionByClient(ctx, uint(clientId))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}

		if err := vault.RevokeQboTokens(ctx, conn); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := models.SetClientConnectionStatus(ctx, conn.ClientId, models.ClientStatusDisconnected); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
