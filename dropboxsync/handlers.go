package dropboxsync

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"bitbucket.org/mmdatafocus/recon_backend/vault"
	"github.com/gin-gonic/gin"
)

const moduleName = "dropboxsync"

// BeginAuthHandler issues a PKCE state pair and returns the Dropbox
// authorize URL.
func BeginAuthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		firmId, ok := utils.GetFirmIdFromContext(ctx)
		if !ok || firmId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		userId, _ := utils.GetUserIdFromContext(ctx)

		appKey, err := config.DropboxAppKey()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dropbox app key is not configured"})
			return
		}
		appBase, err := config.AppBaseURL()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "APP_BASE_URL is not configured"})
			return
		}

		verifier, challenge, err := newCodeVerifier()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		state, err := models.IssueOAuthState(ctx, firmId, userId, models.OAuthProviderDropbox, "", nil, verifier)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		params := url.Values{}
		params.Set("client_id", appKey)
		params.Set("response_type", "code")
		params.Set("token_access_type", "offline")
		params.Set("code_challenge", challenge)
		params.Set("code_challenge_method", "S256")
		params.Set("redirect_uri", appBase+"/api/dropbox/callback")
		params.Set("state", state.State)

		c.JSON(http.StatusOK, gin.H{"url": config.DropboxAuthorizeURL() + "?" + params.Encode()})
	}
}

func redirectWithError(c *gin.Context, errCode string, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)
	c.Redirect(http.StatusFound, config.DashboardBaseURL()+"/settings/connections?"+params.Encode())
}

// CallbackHandler finishes the PKCE dance and vaults the firm's Dropbox
// tokens.
func CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := config.GetLogger()

		if oauthErr := c.Query("error"); oauthErr != "" {
			redirectWithError(c, oauthErr, "authorization was not completed")
			return
		}

		code := c.Query("code")
		stateValue := c.Query("state")
		if code == "" || stateValue == "" {
			redirectWithError(c, "invalid_request", "missing code or state")
			return
		}

		state, err := models.ConsumeOAuthState(ctx, stateValue, models.OAuthProviderDropbox)
		if err != nil {
			redirectWithError(c, "invalid_state", "state is unknown, expired or already used")
			return
		}

		ctx = utils.SetFirmIdInContext(ctx, state.FirmId)

		appBase, err := config.AppBaseURL()
		if err != nil {
			redirectWithError(c, "token_exchange_failed", "APP_BASE_URL is not configured")
			return
		}

		tokens, accountId, err := exchangeCode(ctx, code, state.CodeVerifier, appBase+"/api/dropbox/callback")
		if err != nil {
			config.LogError(logger, moduleName, "CallbackHandler", "code exchange failed", state.FirmId, err)
			models.RecordNotification(ctx, state.FirmId, models.NotificationKindOAuthFailed, accountId,
				"dropbox exchange failed", err.Error())
			redirectWithError(c, "token_exchange_failed", "could not exchange the authorization code")
			return
		}

		conn := &models.DropboxConnection{
			FirmId:    state.FirmId,
			AccountId: accountId,
		}
		if _, err := vault.StoreDropboxTokens(ctx, conn, tokens); err != nil {
			config.LogError(logger, moduleName, "CallbackHandler", "token store failed", state.FirmId, err)
			redirectWithError(c, "token_exchange_failed", "could not store tokens")
			return
		}

		models.RecordNotification(ctx, state.FirmId, models.NotificationKindOAuthOK, accountId,
			"dropbox connected", "")

		params := url.Values{}
		params.Set("dropbox_connected", "1")
		c.Redirect(http.StatusFound, config.DashboardBaseURL()+"/settings/connections?"+params.Encode())
	}
}

// StatusHandler reports whether the firm has a live Dropbox link.
func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		firmId, ok := utils.GetFirmIdFromContext(ctx)
		if !ok || firmId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		conn, err := models.GetDropboxConnection(ctx, firmId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusOK, gin.H{"status": models.ConnectionStatusDisconnected})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     conn.Status,
			"account_id": conn.AccountId,
		})
	}
}

type setFolderRequest struct {
	Folder string `json:"folder" binding:"required"`
}

// SetFolderHandler pins a client's Dropbox source folder.
func SetFolderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if _, ok := utils.GetFirmIdFromContext(ctx); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		clientId, err := strconv.ParseUint(c.Param("clientId"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
			return
		}

		var req setFolderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "folder is required"})
			return
		}

		folder := req.Folder
		client, err := models.UpdateClient(ctx, uint(clientId), &models.UpdateClientInput{DropboxFolder: &folder})
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, client)
	}
}
