package sheetsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/kamdental/dentalsync_backend/config"
	"bitbucket.org/kamdental/dentalsync_backend/models"
	"bitbucket.org/kamdental/dentalsync_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Authentication lives upstream (the dashboard's gateway); handlers only
// require that a clinic id was forwarded.
func resolveClinicID(c *gin.Context) (string, error) {
	clinicId := strings.TrimSpace(c.GetHeader("x-clinic-id"))
	if clinicId == "" {
		clinicId = strings.TrimSpace(c.Query("clinic_id"))
	}
	if clinicId == "" {
		return "", errors.New("clinic_id is required")
	}
	return clinicId, nil
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId, err := resolveClinicID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, clinicId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{
					Status: models.ConnectionStatusDisconnected,
				},
			})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:     conn.Status,
				SourceURL:  conn.SourceURL,
				SystemName: conn.SystemName,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId, err := resolveClinicID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.SourceURL) == "" || strings.TrimSpace(req.APIKey) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sourceUrl and apiKey are required"})
			return
		}

		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, clinicId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		if conn == nil {
			conn = &models.SheetConnection{
				ClinicId:      clinicId,
				Provider:      models.SourceProviderSheet,
				Status:        models.ConnectionStatusConnected,
				AuthType:      "api_key",
				AuthSecretRef: req.APIKey,
				SourceURL:     strings.TrimSpace(req.SourceURL),
				SourceSheet:   strings.TrimSpace(req.SourceSheet),
				SystemName:    strings.TrimSpace(req.SystemName),
				UpdatedAt:     now,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":          models.ConnectionStatusConnected,
				"auth_type":       "api_key",
				"auth_secret_ref": req.APIKey,
				"source_url":      strings.TrimSpace(req.SourceURL),
				"source_sheet":    strings.TrimSpace(req.SourceSheet),
				"updated_at":      now,
			}
			if strings.TrimSpace(req.SystemName) != "" {
				update["system_name"] = strings.TrimSpace(req.SystemName)
			}
			if err := db.Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId, err := resolveClinicID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, clinicId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":          models.ConnectionStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId, err := resolveClinicID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)
		db := config.GetDB().WithContext(ctx)
		conn, err := getConnection(db, clinicId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "sheet source is not connected"})
			return
		}

		update := map[string]interface{}{"updated_at": time.Now()}
		if strings.TrimSpace(req.SourceURL) != "" {
			update["source_url"] = strings.TrimSpace(req.SourceURL)
		}
		if strings.TrimSpace(req.SourceSheet) != "" {
			update["source_sheet"] = strings.TrimSpace(req.SourceSheet)
		}
		if err := db.Model(conn).Updates(update).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId, err := resolveClinicID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req TriggerSyncRequest
		_ = c.ShouldBindJSON(&req)

		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, clinicId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.ConnectionStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "sheet source is not connected"})
			return
		}

		triggeredBy := models.SyncTriggeredManual
		if req.TriggeredBy == models.SyncTriggeredEdit || req.TriggeredBy == models.SyncTriggeredSystem {
			triggeredBy = req.TriggeredBy
		}

		run := models.SheetSyncRun{
			ClinicId:     clinicId,
			ConnectionId: conn.ID,
			Provider:     models.SourceProviderSheet,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  triggeredBy,
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishSyncRun(c.Request.Context(), run.ID, clinicId, conn.ID)

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

// SyncRecordHandler is the single-row path used by edit-triggered updates.
func SyncRecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId, err := resolveClinicID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req SyncRecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, clinicId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.ConnectionStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "sheet source is not connected"})
			return
		}

		cfg, err := ConfigFromEnv()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn.AuthSecretRef != "" {
			cfg.APIKey = conn.AuthSecretRef
		}
		if conn.SystemName != "" {
			cfg.SystemName = conn.SystemName
		}

		client, err := NewClient(cfg)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		registry, err := fetchRegistry(ctx, client, clinicId)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		resolver := NewResolver(client, NewRedisCache("SheetSync:Lookup:"), cfg, config.GetDB())
		audit := NewAuditLog(config.GetDB(), config.GetLogger())
		orchestrator := NewOrchestrator(cfg, client, resolver, audit)
		orchestrator.clinicId = clinicId

		row := SourceRecord{Values: map[string]string{
			"date":             req.Date,
			"location":         req.LocationName,
			"production":       req.Production,
			"adjustments":      req.Adjustments,
			"write offs":       req.WriteOffs,
			"patient income":   req.PatientIncome,
			"insurance income": req.InsuranceIncome,
			"uuid":             req.RowUUID,
		}}

		report, err := orchestrator.SyncSingle(ctx, row, registry)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId, err := resolveClinicID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)
		db := config.GetDB().WithContext(ctx)

		var runs []models.SheetSyncRun
		if err := db.Where("clinic_id = ? AND provider = ?", clinicId, models.SourceProviderSheet).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId, err := resolveClinicID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)
		db := config.GetDB().WithContext(ctx)

		var run models.SheetSyncRun
		if err := db.Where("id = ? AND clinic_id = ?", id, clinicId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.SheetSyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		}
		if len(run.ReportJSON) > 0 {
			var report SyncReport
			if err := json.Unmarshal(run.ReportJSON, &report); err == nil {
				resp.Report = &report
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId, err := resolveClinicID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)
		db := config.GetDB().WithContext(ctx)

		var run models.SheetSyncRun
		if err := db.Where("id = ? AND clinic_id = ?", id, clinicId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.SheetSyncRun{
			ClinicId:     clinicId,
			ConnectionId: run.ConnectionId,
			Provider:     run.Provider,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			ParentRunId:  &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishSyncRun(c.Request.Context(), newRun.ID, clinicId, run.ConnectionId)

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

// UpsertMappingHandler writes or refreshes one external mapping row, the ops
// path for re-seeding mappings after a backend key regeneration.
func UpsertMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpsertMappingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		cfg, err := ConfigFromEnv()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		systemName := strings.TrimSpace(req.SystemName)
		if systemName == "" {
			systemName = cfg.SystemName
		}
		entityType := strings.TrimSpace(req.EntityType)
		if systemName == "" || req.ExternalId == "" || entityType == "" || req.EntityId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "systemName, externalId, entityType and entityId are required"})
			return
		}

		client, err := NewClient(cfg)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resolver := NewResolver(client, NewRedisCache("SheetSync:Lookup:"), cfg, config.GetDB())
		if err := resolver.UpsertMapping(c.Request.Context(), systemName, req.ExternalId, entityType, req.EntityId, req.Notes); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// AuditCleanupHandler runs the retention cleanup, the only operation allowed
// to delete audit entries.
func AuditCleanupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		retentionDays := utils.EnvIntDefault("SYNC_AUDIT_RETENTION_DAYS", 90)
		if v := strings.TrimSpace(c.Query("retention_days")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				retentionDays = n
			}
		}

		audit := NewAuditLog(config.GetDB(), config.GetLogger())
		removed, err := audit.Cleanup(c.Request.Context(), retentionDays)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	}
}

func getConnection(db *gorm.DB, clinicId string) (*models.SheetConnection, error) {
	var conn models.SheetConnection
	err := db.Where("clinic_id = ? AND provider = ?", clinicId, models.SourceProviderSheet).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SheetSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.SheetSyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			ExternalId: errItem.ExternalId,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
