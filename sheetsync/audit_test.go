package sheetsync

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"bitbucket.org/kamdental/dentalsync_backend/models"
	"bitbucket.org/kamdental/dentalsync_backend/utils"
	"github.com/sirupsen/logrus"
)

func TestRecordEnrichesLogFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	audit := NewAuditLog(nil, logger)

	ctx := utils.SetClinicIdInContext(context.Background(), "clinic-1")
	ctx = utils.SetCorrelationIdInContext(ctx, "corr-123")

	audit.Record(ctx, models.AuditLogEntry{
		OperationName: "sync_run",
		Status:        models.AuditStatusSuccess,
		Message:       "sync complete",
	})

	out := buf.String()
	if !strings.Contains(out, `"correlation_id":"corr-123"`) {
		t.Fatalf("correlation id missing from log line: %s", out)
	}
	if !strings.Contains(out, `"clinic_id":"clinic-1"`) {
		t.Fatalf("clinic id missing from log line: %s", out)
	}
}

func TestRecordKeepsExplicitClinicId(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	audit := NewAuditLog(nil, logger)

	ctx := utils.SetClinicIdInContext(context.Background(), "clinic-from-ctx")
	audit.Record(ctx, models.AuditLogEntry{
		OperationName: "sync_run",
		Status:        models.AuditStatusSuccess,
		ClinicId:      "clinic-explicit",
		Message:       "sync complete",
	})

	if !strings.Contains(buf.String(), `"clinic_id":"clinic-explicit"`) {
		t.Fatalf("explicit clinic id overridden: %s", buf.String())
	}
}
