package models

import "time"

const (
	SourceProviderSheet = "sheet"
)

const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredEdit   = "edit"
	SyncTriggeredSystem = "system"
)

const (
	EntityTypeClinic   = "clinic"
	EntityTypeProvider = "provider"
	EntityTypeLocation = "location"
)

const (
	AuditStatusStart        = "START"
	AuditStatusBatchSuccess = "BATCH_SUCCESS"
	AuditStatusBatchError   = "BATCH_ERROR"
	AuditStatusSuccess      = "SUCCESS"
	AuditStatusError        = "ERROR"
	AuditStatusWarning      = "WARNING"
	AuditStatusInfo         = "INFO"
)

// SheetConnection binds one clinic to one spreadsheet source and the
// credentials for the remote record store.
type SheetConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	ClinicId          string     `gorm:"index;not null" json:"clinic_id"`
	Provider          string     `gorm:"index;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	SourceURL         string     `gorm:"size:1024" json:"source_url"`
	SourceSheet       string     `gorm:"size:255" json:"source_sheet"`
	SystemName        string     `gorm:"size:100" json:"system_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SheetSyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	ClinicId      string     `gorm:"index;not null" json:"clinic_id"`
	ConnectionId  uint       `gorm:"index;not null" json:"connection_id"`
	Provider      string     `gorm:"index;size:50;not null" json:"provider"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	ReportJSON    []byte     `gorm:"type:json" json:"report"`
	RecordsSynced int        `json:"records_synced"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SheetSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	ClinicId    string    `gorm:"index;not null" json:"clinic_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ExternalIdMapping is the local mirror of the backend external-mapping table.
// The backend copy is authoritative; this one lets the resolver answer after
// the backend has been reseeded but before the mappings are re-uploaded.
type ExternalIdMapping struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	SystemName string     `gorm:"uniqueIndex:idx_external_mapping,priority:1;size:100;not null" json:"system_name"`
	EntityType string     `gorm:"uniqueIndex:idx_external_mapping,priority:2;size:50;not null" json:"entity_type"`
	ExternalId string     `gorm:"uniqueIndex:idx_external_mapping,priority:3;size:128;not null" json:"external_id"`
	EntityId   string     `gorm:"size:128;not null" json:"entity_id"`
	Notes      string     `gorm:"type:text" json:"notes"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditLogEntry is append-only. Rows are removed only by the explicit
// retention cleanup operation.
type AuditLogEntry struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	ClinicId      string    `gorm:"index" json:"clinic_id"`
	SyncRunId     *uint     `gorm:"index" json:"sync_run_id"`
	Timestamp     time.Time `gorm:"index;not null" json:"timestamp"`
	OperationName string    `gorm:"size:100;not null" json:"operation_name"`
	Status        string    `gorm:"size:20;not null" json:"status"`
	RowsProcessed int       `json:"rows_processed"`
	RowsAttempted int       `json:"rows_attempted"`
	DurationMs    int64     `json:"duration_ms"`
	Message       string    `gorm:"size:1000" json:"message"`
}
