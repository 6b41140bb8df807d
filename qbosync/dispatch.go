package qbosync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/gin-gonic/gin"
)

// The engine accepts the job synchronously but may chew on it for a while
// before acknowledging, hence the long dispatch timeout.
const DispatchTimeout = 140 * time.Second

const (
	maxDispatchAttempts = 3
	backoffBase         = 2 * time.Second
	dispatchBatchSize   = 5
	interBatchDelay     = 3 * time.Second
	realmSpacing        = 10 * time.Second
)

// backoffDelay returns the wait before retry attempt n (1-based), doubling
// each time with up to 50% random jitter on top.
func backoffDelay(attempt int, jitterFraction float64) time.Duration {
	base := backoffBase * time.Duration(1<<(attempt-1))
	jitter := time.Duration(float64(base) * 0.5 * jitterFraction)
	return base + jitter
}

var engineHTTP = &http.Client{Timeout: DispatchTimeout}

// postJob delivers one job request, retrying transient failures with
// exponential backoff. Any 2xx acknowledges the job.
func postJob(ctx context.Context, webhookURL string, job JobRequest) (int, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxDispatchAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoffDelay(attempt-1, rand.Float64())):
			case <-ctx.Done():
				return attempt - 1, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
		if err != nil {
			return attempt, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := engineHTTP.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return attempt, nil
		}
		lastErr = fmt.Errorf("engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		// 4xx is not going to get better on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return attempt, lastErr
		}
	}
	return maxDispatchAttempts, lastErr
}

// TriggerOne starts a review for a client: dedup, run row, then the webhook
// POST. The run exists as processing before the POST goes out, so a fast
// callback always finds its row.
func TriggerOne(ctx context.Context, clientId uint, runType string) (*models.ReconciliationRun, error) {
	logger := config.GetLogger()

	client, err := models.GetClient(ctx, clientId)
	if err != nil {
		return nil, err
	}
	if client.ConnectionStatus == models.ClientStatusNeedsReconnect {
		return nil, errors.New("client needs reconnect before a review can run")
	}

	webhookURL, err := config.EngineWebhookURL()
	if err != nil {
		return nil, err
	}
	appBase, err := config.AppBaseURL()
	if err != nil {
		return nil, err
	}

	// Best-effort lock; the unique active_key column is the real guarantee.
	lock, err := utils.ObtainLock(ctx, "RunDispatch", fmt.Sprint(clientId), 30*time.Second)
	if err != nil && err != utils.ErrorAlreadyInProgress {
		config.LogError(logger, moduleName, "TriggerOne", "lock degraded", fmt.Sprint(clientId), err)
	}
	if err == utils.ErrorAlreadyInProgress {
		return nil, utils.ErrorAlreadyInProgress
	}
	if lock != nil {
		defer func() { _ = lock.Release(ctx) }()
	}

	// Per-realm spacing: a realm that was just dispatched sits out.
	if client.RealmId != "" {
		won, err := config.SetRedisValueNX("DispatchSpacing:"+client.RealmId, "1", realmSpacing)
		if err != nil {
			config.LogError(logger, moduleName, "TriggerOne", "spacing check degraded", client.RealmId, err)
		} else if !won {
			return nil, utils.ErrorAlreadyInProgress
		}
	}

	run, err := models.CreateRun(ctx, client, runType)
	if err != nil {
		return nil, err
	}

	callbackToken, err := utils.CallbackTokenGenerate(run.RunId)
	if err != nil {
		_ = models.FailRun(ctx, run, "callback token generation failed: "+err.Error(), 0)
		return nil, err
	}

	if err := models.MarkRunProcessing(ctx, run); err != nil {
		return nil, err
	}
	models.RecordNotification(ctx, client.FirmId, models.NotificationKindRunStarted, run.RunId,
		"review started", fmt.Sprintf("client %s (%s), type %s", client.Name, client.RealmId, runType))

	job := JobRequest{
		RunId:         run.RunId,
		FirmId:        client.FirmId,
		ClientId:      client.ID,
		ClientName:    client.Name,
		RealmId:       client.RealmId,
		RunType:       runType,
		DropboxFolder: client.DropboxFolder,
		CallbackUrl:   appBase + "/api/runs/callback?token=" + callbackToken,
	}

	attempts, err := postJob(ctx, webhookURL, job)
	if err != nil {
		config.LogError(logger, moduleName, "TriggerOne", "dispatch failed", run.RunId, err)
		if failErr := models.FailRun(ctx, run, err.Error(), attempts); failErr != nil {
			config.LogError(logger, moduleName, "TriggerOne", "fail transition failed", run.RunId, failErr)
		}
		models.RecordNotification(ctx, client.FirmId, models.NotificationKindRunFailed, run.RunId,
			"dispatch failed", err.Error())
		return run, err
	}

	if attempts > 1 {
		db := config.GetDB()
		_ = db.WithContext(ctx).Model(&models.ReconciliationRun{}).
			Where("id = ?", run.ID).
			Update("retry_count", attempts-1).Error
	}
	return run, nil
}

type BulkResult struct {
	Triggered []string          `json:"triggered"`
	Skipped   map[string]string `json:"skipped,omitempty"`
}

// TriggerMany fans reviews out in batches of five, each batch in parallel
// with a pause in between so the engine is never handed more than a
// batch at once.
func TriggerMany(ctx context.Context, clientIds []uint, runType string) (*BulkResult, error) {
	result := BulkResult{Skipped: map[string]string{}}
	var mu sync.Mutex

	ids := utils.UniqueSlice(clientIds)
	for start := 0; start < len(ids); start += dispatchBatchSize {
		if start > 0 {
			time.Sleep(interBatchDelay)
		}
		end := start + dispatchBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			wg.Add(1)
			go func(clientId uint) {
				defer wg.Done()
				run, err := TriggerOne(ctx, clientId, runType)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Skipped[fmt.Sprint(clientId)] = err.Error()
					return
				}
				result.Triggered = append(result.Triggered, run.RunId)
			}(id)
		}
		wg.Wait()
	}

	if len(result.Skipped) == 0 {
		result.Skipped = nil
	}
	return &result, nil
}

// TriggerRunHandler starts a manual review for one client.
func TriggerRunHandler() gin.HandlerFunc {
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

		run, err := TriggerOne(ctx, uint(clientId), models.RunTypeManual)
		if err != nil {
			switch {
			case err == utils.ErrorAlreadyInProgress:
				c.JSON(http.StatusConflict, gin.H{"error": "a review for this client is already in progress"})
			case err == utils.ErrorRecordNotFound:
				c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			case errors.Is(err, config.ErrIntegrationNotConfigured):
				c.JSON(http.StatusBadRequest, gin.H{"error": "workflow engine is not configured"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusAccepted, run)
	}
}

type bulkTriggerRequest struct {
	ClientIds []uint `json:"client_ids"`
	All       bool   `json:"all"`
}

// TriggerBulkHandler starts reviews for a set of clients, or for every
// active connected client when all is set.
func TriggerBulkHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if _, ok := utils.GetFirmIdFromContext(ctx); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req bulkTriggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ids := req.ClientIds
		if req.All {
			clients, err := models.GetAllClients(ctx)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			ids = ids[:0]
			for _, client := range clients {
				if client.ConnectionStatus == models.ClientStatusConnected && utils.DereferencePtr(client.IsActive) {
					ids = append(ids, client.ID)
				}
			}
		}
		if len(ids) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no clients to trigger"})
			return
		}

		// With async fan-out each client goes through the trigger topic and
		// comes back one push delivery at a time.
		if TriggerAsyncEnabled() {
			firmId, _ := utils.GetFirmIdFromContext(ctx)
			queued := 0
			for _, id := range utils.UniqueSlice(ids) {
				if err := PublishTrigger(ctx, firmId, id, models.RunTypeBulk); err != nil {
					config.LogError(config.GetLogger(), moduleName, "TriggerBulkHandler", "publish failed", fmt.Sprint(id), err)
					continue
				}
				queued++
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": queued})
			return
		}

		result, err := TriggerMany(ctx, ids, models.RunTypeBulk)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, result)
	}
}
