package sheetsync

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/kamdental/dentalsync_backend/config"
	"bitbucket.org/kamdental/dentalsync_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultSyncTopic = "sheet-sync-runs"

func syncTopicName() string {
	if v := strings.TrimSpace(os.Getenv("SHEET_SYNC_TOPIC")); v != "" {
		return v
	}
	return defaultSyncTopic
}

// PublishSyncRun enqueues a queued run for the push worker. Publish failures
// are logged, not fatal: the run stays queued and a retry re-publishes it.
func PublishSyncRun(ctx context.Context, runId uint, clinicId string, connectionId uint) error {
	logger := config.GetLogger()

	client, err := config.GetClient(ctx)
	if err != nil {
		config.LogError(logger, "sheetsync", "PublishSyncRun", "get pubsub client", nil, err)
		return err
	}

	topicName := syncTopicName()
	topic := client.Topic(topicName)
	if utils.EnvBoolDefault("PUBSUB_CREATE_TOPICS", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			config.LogError(logger, "sheetsync", "PublishSyncRun", "ensure topic", logrus.Fields{"topic": topicName}, err)
			return err
		}
	}

	payload := SyncPubSubPayload{
		RunId:        runId,
		ClinicId:     clinicId,
		ConnectionId: connectionId,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		config.LogError(logger, "sheetsync", "PublishSyncRun", "publish", logrus.Fields{
			"topic":  topicName,
			"run_id": runId,
		}, err)
		return err
	}

	logger.WithFields(logrus.Fields{
		"module":     "sheetsync",
		"topic":      topicName,
		"run_id":     runId,
		"clinic_id":  clinicId,
		"message_id": id,
	}).Info("sync run published")
	return nil
}

// PubSubPushHandler receives push deliveries for queued sync runs. It always
// acks (2xx) after the run lifecycle has recorded the outcome; a nack here
// would only replay runs that already persisted a terminal status.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		var envelope PubSubPushEnvelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			config.LogError(logger, "sheetsync", "PubSubPushHandler", "decode envelope", nil, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push envelope"})
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			config.LogError(logger, "sheetsync", "PubSubPushHandler", "decode payload", logrus.Fields{
				"message_id": envelope.Message.ID,
			}, err)
			c.Status(http.StatusNoContent)
			return
		}

		if err := processSyncRun(c.Request.Context(), payload); err != nil {
			config.LogError(logger, "sheetsync", "PubSubPushHandler", "process sync run", logrus.Fields{
				"run_id":    payload.RunId,
				"clinic_id": payload.ClinicId,
			}, err)
		}

		c.Status(http.StatusNoContent)
	}
}
