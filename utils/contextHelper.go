package utils

import (
	"context"

	"bitbucket.org/kamdental/dentalsync_backend/appctx"
)

func GetClinicIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyClinicId)
}

func SetClinicIdInContext(ctx context.Context, clinicId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyClinicId, clinicId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
}
