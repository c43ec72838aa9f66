package utils

import (
	"context"

	"bitbucket.org/eduatlas/crm_backend/appctx"
)

var (
	ContextKeyPipelineId    = appctx.ContextKeyPipelineId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetPipelineIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyPipelineId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetPipelineIdInContext(ctx context.Context, pipelineId int) context.Context {
	return appctx.Set(ctx, ContextKeyPipelineId, pipelineId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
