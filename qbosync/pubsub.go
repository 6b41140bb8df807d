package qbosync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/gin-gonic/gin"
)

func triggerTopicName() string {
	topicName := strings.TrimSpace(os.Getenv("RUN_TRIGGER_TOPIC"))
	if topicName == "" {
		topicName = "recon-run-trigger"
	}
	return topicName
}

// TriggerAsyncEnabled switches bulk fan-out from inline goroutines to the
// Pub/Sub topic; the push subscription delivers each client back to
// TriggerPushHandler one message at a time.
func TriggerAsyncEnabled() bool {
	v := strings.TrimSpace(os.Getenv("RUN_TRIGGER_ASYNC"))
	return v == "1" || strings.EqualFold(v, "true")
}

// EnsureTriggerTopic creates the fan-out topic if the project does not have
// it yet. Called once at startup when async triggering is on.
func EnsureTriggerTopic(ctx context.Context) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	_, err = config.CreateTopicIfNotExists(client, triggerTopicName())
	return err
}

// PublishTrigger enqueues one client's review through Pub/Sub so bulk
// triggers and Cloud Scheduler share a single delivery path.
func PublishTrigger(ctx context.Context, firmId string, clientId uint, runType string) error {
	_, err := config.PublishJSON(ctx, triggerTopicName(), TriggerPubSubPayload{
		FirmId:   firmId,
		ClientId: clientId,
		RunType:  runType,
	})
	return err
}

// TriggerPushHandler is the Pub/Sub push target. Always 204: Pub/Sub
// retries on anything else and a malformed message would loop forever.
func TriggerPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload TriggerPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.ClientId == 0 || payload.FirmId == "" {
			c.Status(204)
			return
		}

		if payload.RunType == "" {
			payload.RunType = models.RunTypeScheduled
		}

		ctx := utils.SetFirmIdInContext(c.Request.Context(), payload.FirmId)
		if _, err := TriggerOne(ctx, payload.ClientId, payload.RunType); err != nil {
			config.LogError(config.GetLogger(), moduleName, "TriggerPushHandler", "trigger failed", payload.FirmId, err)
		}
		c.Status(204)
	}
}
