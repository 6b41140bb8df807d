package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/models/reports"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"bitbucket.org/mmdatafocus/recon_backend/vault"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": ok})
	}
}

// requireSession aborts unauthenticated requests before the handler runs.
func requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUsernameFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func authorizeAdminOnly(ctx context.Context) error {
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		return nil
	}
	return errors.New("unauthorized")
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func createFirmHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewFirm
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		firm, err := models.CreateFirm(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, firm)
	}
}

func getFirmHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		firmId, _ := utils.GetFirmIdFromContext(ctx)
		if firmId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no firm in session"})
			return
		}
		firm, err := models.GetFirm(ctx, firmId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "firm not found"})
			return
		}
		c.JSON(http.StatusOK, firm)
	}
}

func updateFirmHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		firmId, _ := utils.GetFirmIdFromContext(ctx)
		if firmId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no firm in session"})
			return
		}
		var input models.UpdateFirmInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		firm, err := models.UpdateFirm(ctx, firmId, &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, firm)
	}
}

type setQboSecretRequest struct {
	ClientSecret string `json:"client_secret" binding:"required"`
}

// setFirmQboSecretHandler seals the firm's QuickBooks app secret into the
// vault. The plaintext is never persisted or echoed back.
func setFirmQboSecretHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		firmId, _ := utils.GetFirmIdFromContext(ctx)
		if firmId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no firm in session"})
			return
		}
		var req setQboSecretRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "client_secret is required"})
			return
		}
		sealed, err := vault.SealString(req.ClientSecret)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not seal secret"})
			return
		}
		if err := models.SetFirmQboSecret(ctx, firmId, sealed); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func listClientsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clients, err := models.GetAllClients(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, clients)
	}
}

func createClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewClient
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name and realm_id are required"})
			return
		}
		client, err := models.CreateClient(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, client)
	}
}

func clientIdParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("clientId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
		return 0, false
	}
	return uint(id), true
}

func getClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := clientIdParam(c)
		if !ok {
			return
		}
		client, err := models.GetClient(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		c.JSON(http.StatusOK, client)
	}
}

func updateClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := clientIdParam(c)
		if !ok {
			return
		}
		var input models.UpdateClientInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		client, err := models.UpdateClient(c.Request.Context(), id, &input)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, client)
	}
}

func deleteClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := clientIdParam(c)
		if !ok {
			return
		}
		client, err := models.DeleteClient(c.Request.Context(), id)
		if err != nil {
			if err == utils.ErrorRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, client)
	}
}

// importClientsHandler loads a roster CSV. ?replace=true drops the existing
// roster first.
func importClientsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}
		defer file.Close()

		replaceAll := strings.EqualFold(c.Query("replace"), "true")
		result, err := models.ImportClientsCSV(c.Request.Context(), file, replaceAll)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "result": result})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func listRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var clientId *uint
		if v := c.Query("client_id"); v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				id := uint(n)
				clientId = &id
			}
		}
		var status *string
		if v := c.Query("status"); v != "" {
			status = &v
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		runs, err := models.GetRuns(c.Request.Context(), clientId, status, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runs)
	}
}

func getRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		run, err := models.GetRun(c.Request.Context(), uint(id))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func exportRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var clientId *uint
		if v := c.Query("client_id"); v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				id := uint(n)
				clientId = &id
			}
		}
		if err := reports.ExportRunsExcel(c.Request.Context(), c.Writer, clientId); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func exportClientsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := reports.ExportClientsExcel(c.Request.Context(), c.Writer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func listNotificationLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var kind, referenceId *string
		if v := c.Query("kind"); v != "" {
			kind = &v
		}
		if v := c.Query("reference_id"); v != "" {
			referenceId = &v
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		logs, err := models.GetNotificationLogs(c.Request.Context(), kind, referenceId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, logs)
	}
}

// sweepStatesHandler garbage-collects expired OAuth states. Ops tooling.
func sweepStatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		removed, err := models.SweepExpiredStates(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	}
}

// sweepRunsHandler fails runs stuck active past the dedup window, freeing
// their clients for re-trigger. Ops tooling.
func sweepRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		failed, err := models.SweepStaleRuns(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"failed": failed})
	}
}

func clearRedisHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := config.ClearRedis(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
