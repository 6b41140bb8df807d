package qbosync

import (
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/gin-gonic/gin"
)

// RunCallbackHandler receives the engine's completion message. Accepts both
// POST with a JSON body and GET with query parameters, because the engine's
// HTTP node has been configured both ways in the field.
func RunCallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := config.GetLogger()

		token := c.Query("token")
		if token == "" {
			token = c.GetHeader("X-Callback-Token")
		}
		tokenRunId, err := utils.CallbackTokenValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid callback token"})
			return
		}

		var payload CallbackPayload
		if c.Request.Method == http.MethodPost {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
				return
			}
			payload, err = NormalizeCallback(body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
				return
			}
		} else {
			payload = NormalizeCallbackQuery(c.Query)
		}

		// The token binds the callback to one run; a payload run id, when
		// present, must agree.
		if payload.RunId == "" {
			payload.RunId = tokenRunId
		}
		if payload.RunId != tokenRunId {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token does not match run"})
			return
		}

		run, err := models.FindRunByRunId(ctx, payload.RunId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}

		if err := models.ResolveRunFromCallback(ctx, run, payload.Success, payload.SheetUrl, payload.ActionItemsCount, payload.ErrorMessage); err != nil {
			config.LogError(logger, moduleName, "RunCallbackHandler", "resolve failed", run.RunId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		kind := models.NotificationKindRunCompleted
		if !payload.Success {
			kind = models.NotificationKindRunFailed
		}
		models.RecordNotification(ctx, run.FirmId, kind, run.RunId,
			"review "+run.Status, payload.ErrorMessage)

		c.JSON(http.StatusOK, gin.H{"success": true, "run_id": run.RunId, "status": run.Status})
	}
}
