package sheetsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/kamdental/dentalsync_backend/config"
	"bitbucket.org/kamdental/dentalsync_backend/models"
	"bitbucket.org/kamdental/dentalsync_backend/utils"
	"github.com/google/uuid"
)

// Orchestrator drives one sync pass: validate, dedupe, resolve, chunk, send,
// report. Per-row and per-batch failures are recorded and the pass keeps
// going; only configuration errors and the wall-clock budget abort it.
type Orchestrator struct {
	cfg      Config
	client   *Client
	resolver *Resolver
	audit    *AuditLog

	clinicId string
	runId    *uint

	now func() time.Time
}

func NewOrchestrator(cfg Config, client *Client, resolver *Resolver, audit *AuditLog) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		audit:    audit,
		now:      time.Now,
	}
}

// ForRun tags audit entries with the persisted run.
func (o *Orchestrator) ForRun(clinicId string, runId uint) *Orchestrator {
	copied := *o
	copied.clinicId = clinicId
	copied.runId = &runId
	return &copied
}

// Run executes the full pipeline over a source. The returned report always
// reflects partial progress, even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, source DataSource, registry LocationRegistry) (SyncReport, error) {
	start := o.now()
	report := SyncReport{Warnings: []string{}, Errors: []string{}}

	o.record(ctx, "sync_run", models.AuditStatusStart, 0, 0, 0, "sync started")

	rows, err := source.ListRows()
	if err != nil {
		report.DurationMs = o.sinceMs(start)
		o.record(ctx, "sync_run", models.AuditStatusError, 0, 0, report.DurationMs, "source read failed: "+err.Error())
		return report, err
	}

	// VALIDATING
	validator := NewValidator(o.cfg, registry)
	accepted := make([]CanonicalRecord, 0, len(rows))
	for i, row := range rows {
		if (i+1)%timeoutCheckInterval == 0 {
			if timeoutErr := o.checkBudget(start); timeoutErr != nil {
				return o.abortOnTimeout(ctx, report, start, timeoutErr)
			}
		}
		result := validator.Validate(row)
		report.Warnings = append(report.Warnings, result.Warnings...)
		if len(result.Errors) > 0 {
			report.Errors = append(report.Errors, result.Errors...)
			report.Failed++
			continue
		}
		accepted = append(accepted, *result.Record)
	}

	// BATCHING: dedupe, resolve foreign keys, chunk.
	deduped := o.dedupe(accepted, &report)

	resolved := make([]CanonicalRecord, 0, len(deduped))
	for _, rec := range deduped {
		id, err := o.resolver.Resolve(ctx, rec.LocationCode, models.EntityTypeLocation)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("location code %q could not be resolved to a backend id", rec.LocationCode))
			report.Failed++
			continue
		}
		rec.LocationId = id
		resolved = append(resolved, rec)
	}

	batches := chunkRecords(resolved, o.cfg.BatchSize)

	// SENDING: batches go out in submission order; a failed batch never
	// blocks the ones after it.
	for i, batch := range batches {
		if timeoutErr := o.checkBudget(start); timeoutErr != nil {
			return o.abortOnTimeout(ctx, report, start, timeoutErr)
		}
		o.sendBatch(ctx, i+1, batch, &report)
	}

	// REPORTING
	report.DurationMs = o.sinceMs(start)
	status := models.AuditStatusSuccess
	message := fmt.Sprintf("sync complete: %d created, %d updated, %d skipped, %d failed",
		report.Created, report.Updated, report.Skipped, report.Failed)
	if report.Failed > 0 && report.Created+report.Updated == 0 && len(rows) > 0 {
		status = models.AuditStatusError
	} else if report.Failed > 0 || len(report.Warnings) > 0 {
		status = models.AuditStatusWarning
	}
	o.record(ctx, "sync_run", status, report.Created+report.Updated, len(rows), report.DurationMs, message)
	return report, nil
}

// SyncSingle is the low-latency "just this row" path: one record through the
// same validate -> resolve -> send pipeline, no chunking.
func (o *Orchestrator) SyncSingle(ctx context.Context, row SourceRecord, registry LocationRegistry) (SyncReport, error) {
	start := o.now()
	report := SyncReport{Warnings: []string{}, Errors: []string{}}

	validator := NewValidator(o.cfg, registry)
	result := validator.Validate(row)
	report.Warnings = append(report.Warnings, result.Warnings...)
	if len(result.Errors) > 0 {
		report.Errors = append(report.Errors, result.Errors...)
		report.Failed++
		report.DurationMs = o.sinceMs(start)
		o.record(ctx, "sync_record", models.AuditStatusError, 0, 1, report.DurationMs, joined(result.Errors))
		return report, nil
	}
	rec := *result.Record
	id, err := o.resolver.Resolve(ctx, rec.LocationCode, models.EntityTypeLocation)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("location code %q could not be resolved to a backend id", rec.LocationCode))
		report.Failed++
		report.DurationMs = o.sinceMs(start)
		o.record(ctx, "sync_record", models.AuditStatusError, 0, 1, report.DurationMs, report.Errors[0])
		return report, nil
	}
	rec.LocationId = id

	o.sendBatch(ctx, 1, []CanonicalRecord{rec}, &report)
	report.DurationMs = o.sinceMs(start)

	status := models.AuditStatusSuccess
	if report.Failed > 0 {
		status = models.AuditStatusError
	}
	o.record(ctx, "sync_record", status, report.Created+report.Updated, 1, report.DurationMs, joined(report.Errors))
	return report, nil
}

// sendBatch classifies creates vs updates with one existence query, applies
// non-upsert skip semantics, dispatches, and folds the outcome into report.
func (o *Orchestrator) sendBatch(ctx context.Context, batchNo int, batch []CanonicalRecord, report *SyncReport) {
	if len(batch) == 0 {
		return
	}

	locationIds := make([]string, 0, len(batch))
	dates := make([]string, 0, len(batch))
	seenLoc := map[string]bool{}
	seenDate := map[string]bool{}
	for _, rec := range batch {
		if !seenLoc[rec.LocationId] {
			seenLoc[rec.LocationId] = true
			locationIds = append(locationIds, rec.LocationId)
		}
		d := rec.Date.Format("2006-01-02")
		if !seenDate[d] {
			seenDate[d] = true
			dates = append(dates, d)
		}
	}

	existing, err := o.client.ExistingKeys(ctx, locationIds, dates)
	if err != nil {
		report.Failed += len(batch)
		msg := fmt.Sprintf("batch %d: existence check failed: %v", batchNo, err)
		report.Errors = append(report.Errors, msg)
		o.record(ctx, "sync_batch", models.AuditStatusBatchError, 0, len(batch), 0, msg)
		return
	}

	toSend := make([]CanonicalRecord, 0, len(batch))
	creates, updates := 0, 0
	for _, rec := range batch {
		key := rec.LocationId + "|" + rec.Date.Format("2006-01-02")
		if existing[key] {
			if !o.cfg.UpsertMode {
				report.Skipped++
				report.Warnings = append(report.Warnings, fmt.Sprintf(
					"record for location %s on %s already exists, skipped", rec.LocationId, rec.Date.Format("2006-01-02")))
				continue
			}
			updates++
		} else {
			creates++
		}
		toSend = append(toSend, rec)
	}
	if len(toSend) == 0 {
		return
	}

	batchID := uuid.NewString()
	result := o.client.SendBatch(ctx, toSend, batchID)
	if result.Success {
		report.Created += creates
		report.Updated += updates
		o.record(ctx, "sync_batch", models.AuditStatusBatchSuccess, len(toSend), len(toSend), 0,
			fmt.Sprintf("batch %d sent: %d creates, %d updates", batchNo, creates, updates))
		return
	}

	report.Failed += len(toSend)
	msg := fmt.Sprintf("batch %d failed (status %d): %v", batchNo, result.StatusCode, result.Err)
	report.Errors = append(report.Errors, msg)
	o.record(ctx, "sync_batch", models.AuditStatusBatchError, 0, len(toSend), 0, msg)
}

// dedupe keeps the first record per stable identity. Identity is the row
// UUID when present, the (location, date) natural key otherwise.
func (o *Orchestrator) dedupe(records []CanonicalRecord, report *SyncReport) []CanonicalRecord {
	seen := map[string]bool{}
	out := make([]CanonicalRecord, 0, len(records))
	for _, rec := range records {
		key := rec.RowUUID
		if key == "" {
			key = rec.NaturalKey()
		}
		if seen[key] {
			report.Skipped++
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"duplicate row for %s on %s dropped", rec.LocationCode, rec.Date.Format("2006-01-02")))
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	return out
}

func chunkRecords(records []CanonicalRecord, size int) [][]CanonicalRecord {
	if size <= 0 {
		size = 100
	}
	var batches [][]CanonicalRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}

func (o *Orchestrator) checkBudget(start time.Time) error {
	if o.cfg.RunTimeout <= 0 {
		return nil
	}
	elapsed := o.now().Sub(start)
	if elapsed > o.cfg.RunTimeout {
		return &TimeoutError{Elapsed: elapsed, Budget: o.cfg.RunTimeout}
	}
	return nil
}

func (o *Orchestrator) abortOnTimeout(ctx context.Context, report SyncReport, start time.Time, timeoutErr error) (SyncReport, error) {
	report.DurationMs = o.sinceMs(start)
	report.Errors = append(report.Errors, timeoutErr.Error())
	o.record(ctx, "sync_run", models.AuditStatusError, report.Created+report.Updated, 0, report.DurationMs,
		"aborted: "+timeoutErr.Error())
	return report, timeoutErr
}

func (o *Orchestrator) sinceMs(start time.Time) int64 {
	return o.now().Sub(start).Milliseconds()
}

func (o *Orchestrator) record(ctx context.Context, operation string, status string, processed int, attempted int, durationMs int64, message string) {
	if o.audit == nil {
		return
	}
	o.audit.Record(ctx, models.AuditLogEntry{
		ClinicId:      o.clinicId,
		SyncRunId:     o.runId,
		OperationName: operation,
		Status:        status,
		RowsProcessed: processed,
		RowsAttempted: attempted,
		DurationMs:    durationMs,
		Message:       message,
	})
}

func joined(parts []string) string {
	if len(parts) == 0 {
		return "ok"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}

// processSyncRun is the durable run lifecycle behind the Pub/Sub push
// endpoint: load the queued run, serialize per clinic, execute, persist the
// outcome.
func processSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 || payload.ClinicId == "" {
		return errors.New("invalid payload")
	}

	ctx = utils.SetClinicIdInContext(ctx, payload.ClinicId)
	db := config.GetDB().WithContext(ctx)

	var run models.SheetSyncRun
	if err := db.Where("id = ? AND clinic_id = ?", payload.RunId, payload.ClinicId).Take(&run).Error; err != nil {
		return err
	}

	// Re-delivered messages for finished runs are no-ops.
	if run.Status == models.SyncRunStatusSuccess || run.Status == models.SyncRunStatusFailed || run.Status == models.SyncRunStatusPartial {
		return nil
	}

	var conn models.SheetConnection
	if err := db.Where("id = ? AND clinic_id = ?", run.ConnectionId, payload.ClinicId).Take(&conn).Error; err != nil {
		return err
	}
	if conn.Status != models.ConnectionStatusConnected {
		return errors.New("sheet source not connected")
	}

	cfg, err := ConfigFromEnv()
	if err != nil {
		return finishRun(ctx, &run, &conn, SyncReport{Errors: []string{err.Error()}}, err)
	}
	if conn.AuthSecretRef != "" {
		cfg.APIKey = conn.AuthSecretRef
	}
	if conn.SystemName != "" {
		cfg.SystemName = conn.SystemName
	}

	release, err := utils.AcquireClinicLock(ctx, payload.ClinicId, "sheet-sync", cfg.RunTimeout+30*time.Second, "sheetsync", "processSyncRun")
	if err != nil {
		return err
	}
	defer release()

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	client, err := NewClient(cfg)
	if err != nil {
		return finishRun(ctx, &run, &conn, SyncReport{Errors: []string{err.Error()}}, err)
	}
	resolver := NewResolver(client, NewRedisCache("SheetSync:Lookup:"), cfg, config.GetDB())
	audit := NewAuditLog(config.GetDB(), config.GetLogger())
	orchestrator := NewOrchestrator(cfg, client, resolver, audit).ForRun(payload.ClinicId, run.ID)

	source, err := OpenSource(ctx, conn.SourceURL, conn.SourceSheet)
	if err != nil {
		return finishRun(ctx, &run, &conn, SyncReport{Errors: []string{err.Error()}}, err)
	}

	registry, err := fetchRegistry(ctx, client, payload.ClinicId)
	if err != nil {
		return finishRun(ctx, &run, &conn, SyncReport{Errors: []string{err.Error()}}, err)
	}

	report, runErr := orchestrator.Run(ctx, source, registry)
	return finishRun(ctx, &run, &conn, report, runErr)
}

// fetchRegistry pulls the clinic's locations from the backend into a
// name-keyed registry for the validator.
func fetchRegistry(ctx context.Context, client *Client, clinicCode string) (LocationRegistry, error) {
	rows, err := client.ListLocations(ctx, clinicCode)
	if err != nil {
		return nil, err
	}
	registry := NewMapRegistry()
	for _, row := range rows {
		code := row.Code
		if code == "" {
			code = row.ID
		}
		registry.Add(row.Name, LocationInfo{Code: code, IsActive: row.IsActive})
	}
	return registry, nil
}

func finishRun(ctx context.Context, run *models.SheetSyncRun, conn *models.SheetConnection, report SyncReport, runErr error) error {
	db := config.GetDB().WithContext(ctx)

	finishedAt := time.Now()
	var durationMs int64
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	if report.DurationMs > 0 {
		durationMs = report.DurationMs
	}

	synced := report.Created + report.Updated
	errorCount := len(report.Errors)
	status := models.SyncRunStatusSuccess
	if runErr != nil || (errorCount > 0 && synced == 0) {
		status = models.SyncRunStatusFailed
	} else if errorCount > 0 {
		status = models.SyncRunStatusPartial
	}

	for _, msg := range report.Errors {
		errRec := models.SheetSyncError{
			SyncRunId:  run.ID,
			ClinicId:   run.ClinicId,
			EntityType: "record",
			ErrorCode:  "sync_failed",
			Message:    utils.Truncate(msg, maxAuditMessage),
			Retryable:  runErr != nil,
		}
		_ = db.Create(&errRec).Error
	}

	reportJSON, _ := json.Marshal(report)
	if err := db.Model(run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    durationMs,
		"records_synced": synced,
		"error_count":    errorCount,
		"report_json":    reportJSON,
	}).Error; err != nil {
		return err
	}

	connUpdates := map[string]interface{}{
		"last_sync_at": finishedAt,
	}
	if status == models.SyncRunStatusSuccess {
		connUpdates["last_success_sync_at"] = finishedAt
	}
	if err := db.Model(&models.SheetConnection{}).
		Where("id = ? AND clinic_id = ?", conn.ID, conn.ClinicId).
		Updates(connUpdates).Error; err != nil {
		return err
	}
	return runErr
}
