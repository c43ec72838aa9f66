package atlassync

import (
	"context"
	"encoding/json"
	"io"

	"bitbucket.org/eduatlas/crm_backend/config"
	"bitbucket.org/eduatlas/crm_backend/utils"
	"github.com/gin-gonic/gin"
)

func PublishImportRun(ctx context.Context, runId uint, pipelineId int, correlationId string) error {
	topicName := utils.EnvString("ATLAS_IMPORT_TOPIC", "atlas-import")

	if utils.EnvBool("ATLAS_IMPORT_CREATE_TOPIC", false) {
		client, err := config.GetClient(ctx)
		if err != nil {
			return err
		}
		if _, err := config.CreateTopicIfNotExists(client, topicName); err != nil {
			return err
		}
	}

	_, err := config.PublishJSON(ctx, topicName, ImportPubSubPayload{
		RunId:         runId,
		PipelineId:    pipelineId,
		CorrelationId: correlationId,
	})
	return err
}

// PubSubPushHandler accepts the push subscription's delivery. It always
// answers 204: a 4xx/5xx would make Pub/Sub redeliver forever, and run-level
// failures are already recorded on the ImportRun row.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.EnvBool("ENABLE_ATLAS_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

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

		var payload ImportPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.PipelineId == 0 {
			c.Status(204)
			return
		}

		_ = processImportRun(c.Request.Context(), payload)
		c.Status(204)
	}
}
