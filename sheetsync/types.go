package sheetsync

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"bitbucket.org/kamdental/dentalsync_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// SourceRecord is one raw row from the spreadsheet source, keyed by
// normalized column header. It only lives for the duration of a sync pass.
type SourceRecord struct {
	RowNumber int
	Values    map[string]string
}

// CanonicalRecord is a fully validated, typed row ready for upsert.
// Replace, don't patch: once built it is never mutated, except that the
// orchestrator fills LocationId from LocationCode right before sending.
type CanonicalRecord struct {
	Date             time.Time       `json:"-"`
	LocationId       string          `json:"location_id,omitempty"`
	LocationCode     string          `json:"-"`
	Production       decimal.Decimal `json:"production"`
	Adjustments      decimal.Decimal `json:"adjustments"`
	WriteOffs        decimal.Decimal `json:"write_offs"`
	PatientIncome    decimal.Decimal `json:"patient_income"`
	InsuranceIncome  decimal.Decimal `json:"insurance_income"`
	NetProduction    decimal.Decimal `json:"net_production"`
	TotalCollections decimal.Decimal `json:"total_collections"`
	RowUUID          string          `json:"id,omitempty"`
	DataSourceId     string          `json:"data_source_id,omitempty"`
}

// MarshalJSON emits the date as a plain calendar date; the backend column is
// DATE, not TIMESTAMP.
func (r CanonicalRecord) MarshalJSON() ([]byte, error) {
	type alias CanonicalRecord
	return json.Marshal(struct {
		Date string `json:"date"`
		alias
	}{
		Date:  r.Date.Format("2006-01-02"),
		alias: alias(r),
	})
}

// NaturalKey identifies a record for dedup and existence checks.
func (r CanonicalRecord) NaturalKey() string {
	return r.LocationCode + "|" + r.Date.Format("2006-01-02")
}

// ValidationResult classifies one source row: rejected (Errors non-empty,
// Record nil) or accepted (Record non-nil, possibly with Warnings).
type ValidationResult struct {
	Record   *CanonicalRecord
	Errors   []string
	Warnings []string
}

func (v ValidationResult) Accepted() bool {
	return v.Record != nil && len(v.Errors) == 0
}

// LocationInfo is what the registry knows about one location.
type LocationInfo struct {
	Code     string
	IsActive bool
}

// LocationRegistry resolves a human-entered location name, case-insensitive
// and trimmed, to its durable code.
type LocationRegistry interface {
	Resolve(name string) (LocationInfo, bool)
}

// DataSource supplies source rows with header-to-field mapping so column
// reordering in the sheet is a non-breaking change.
type DataSource interface {
	Headers() []string
	ListRows() ([]SourceRecord, error)
}

// Credentials locate the remote record store.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// CredentialProvider hands out backend credentials. Absence is a
// configuration error: fail fast, no retry.
type CredentialProvider interface {
	Credentials() (Credentials, error)
}

// SyncReport is the aggregate outcome of one run. It always reflects partial
// success; there is no all-or-nothing semantics.
type SyncReport struct {
	Created    int      `json:"created"`
	Updated    int      `json:"updated"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Warnings   []string `json:"warnings"`
	Errors     []string `json:"errors"`
	DurationMs int64    `json:"durationMs"`
}

// Config carries every tunable of the sync engine. It is built once at
// process start and injected; nothing reads the environment after that.
type Config struct {
	BaseURL      string `validate:"required,url"`
	APIKey       string `validate:"required"`
	APIKeyHeader string

	// SystemName enables the external-mapping fallback lookup when set.
	SystemName string

	BatchSize       int
	MaxAttempts     int
	InitialBackoff  time.Duration
	ResolverDelay   time.Duration
	CacheTTL        time.Duration
	RunTimeout      time.Duration
	RateLimitPerMin int64

	// Thresholds are configurable on purpose; neither the 2x multiplier nor
	// the 100000 ceiling generalizes to every practice's scale.
	ProductionWarnCeiling     decimal.Decimal
	CollectionsWarnMultiplier decimal.Decimal
	Tolerance                 decimal.Decimal

	RejectFutureDates bool
	// Location defines "today" for the future-date check; clinics west of
	// UTC would otherwise see same-day evening rows rejected.
	Location   *time.Location `validate:"-"`
	UpsertMode bool

	AuditRetentionDays int
}

// timeoutCheckInterval is how many rows pass between wall-clock checks.
const timeoutCheckInterval = 10

func DefaultConfig() Config {
	return Config{
		APIKeyHeader:              "apikey",
		BatchSize:                 100,
		MaxAttempts:               3,
		InitialBackoff:            time.Second,
		ResolverDelay:             500 * time.Millisecond,
		CacheTTL:                  5 * time.Minute,
		RunTimeout:                120 * time.Second,
		RateLimitPerMin:           60,
		ProductionWarnCeiling:     decimal.NewFromInt(100000),
		CollectionsWarnMultiplier: decimal.NewFromInt(2),
		Tolerance:                 decimal.NewFromFloat(0.01),
		RejectFutureDates:         true,
		Location:                  time.UTC,
		UpsertMode:                true,
		AuditRetentionDays:        90,
	}
}

// ConfigFromEnv builds and validates the runtime Config. Missing credentials
// are a ConfigurationError; the caller aborts before any row is processed.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("SYNC_API_BASE_URL")), "/")
	cfg.APIKey = strings.TrimSpace(os.Getenv("SYNC_API_KEY"))
	if v := strings.TrimSpace(os.Getenv("SYNC_API_KEY_HEADER")); v != "" {
		cfg.APIKeyHeader = v
	}
	cfg.SystemName = strings.TrimSpace(os.Getenv("SYNC_SYSTEM_NAME"))
	if n := utils.EnvIntDefault("SYNC_BATCH_SIZE", 0); n > 0 {
		cfg.BatchSize = n
	}
	if n := utils.EnvIntDefault("SYNC_MAX_ATTEMPTS", 0); n > 0 {
		cfg.MaxAttempts = n
	}
	if n := utils.EnvIntDefault("SYNC_RATE_LIMIT_PER_MIN", 0); n > 0 {
		cfg.RateLimitPerMin = int64(n)
	}
	if n := utils.EnvIntDefault("SYNC_RUN_TIMEOUT_SECONDS", 0); n > 0 {
		cfg.RunTimeout = time.Duration(n) * time.Second
	}
	if n := utils.EnvIntDefault("SYNC_PRODUCTION_WARN_CEILING", 0); n > 0 {
		cfg.ProductionWarnCeiling = decimal.NewFromInt(int64(n))
	}
	if n := utils.EnvIntDefault("SYNC_COLLECTIONS_WARN_MULTIPLIER", 0); n > 0 {
		cfg.CollectionsWarnMultiplier = decimal.NewFromInt(int64(n))
	}
	if n := utils.EnvIntDefault("SYNC_AUDIT_RETENTION_DAYS", 0); n > 0 {
		cfg.AuditRetentionDays = n
	}
	cfg.RejectFutureDates = utils.EnvBoolDefault("SYNC_REJECT_FUTURE_DATES", true)
	if tz := strings.TrimSpace(os.Getenv("SYNC_TIMEZONE")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Config{}, &ConfigurationError{Reason: "invalid SYNC_TIMEZONE: " + tz}
		}
		cfg.Location = loc
	}
	cfg.UpsertMode = utils.EnvBoolDefault("SYNC_UPSERT_MODE", true)

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Config{}, &ConfigurationError{Reason: "invalid config: " + verrs[0].Field() + " " + verrs[0].Tag()}
		}
		return Config{}, &ConfigurationError{Reason: err.Error()}
	}
	return cfg, nil
}

// Credentials implements CredentialProvider so a Config can stand in for one.
func (c Config) Credentials() (Credentials, error) {
	if c.BaseURL == "" || c.APIKey == "" {
		return Credentials{}, &ConfigurationError{Reason: "missing base URL or api key"}
	}
	return Credentials{BaseURL: c.BaseURL, APIKey: c.APIKey}, nil
}

/* API DTOs */

type ConnectRequest struct {
	SourceURL   string `json:"sourceUrl"`
	SourceSheet string `json:"sourceSheet"`
	SystemName  string `json:"systemName"`
	APIKey      string `json:"apiKey"`
}

type UpdateSettingsRequest struct {
	SourceURL   string `json:"sourceUrl"`
	SourceSheet string `json:"sourceSheet"`
}

type TriggerSyncRequest struct {
	TriggeredBy string `json:"triggeredBy"`
}

type SyncRecordRequest struct {
	Date            string `json:"date"`
	LocationName    string `json:"locationName"`
	Production      string `json:"production"`
	Adjustments     string `json:"adjustments"`
	WriteOffs       string `json:"writeOffs"`
	PatientIncome   string `json:"patientIncome"`
	InsuranceIncome string `json:"insuranceIncome"`
	RowUUID         string `json:"rowUuid"`
}

type UpsertMappingRequest struct {
	SystemName string `json:"systemName"`
	ExternalId string `json:"externalId"`
	EntityType string `json:"entityType"`
	EntityId   string `json:"entityId"`
	Notes      string `json:"notes"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
}

type ConnectionResponse struct {
	Status     string `json:"status"`
	SourceURL  string `json:"sourceUrl"`
	SystemName string `json:"systemName"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Report *SyncReport         `json:"report,omitempty"`
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId        uint   `json:"run_id"`
	ClinicId     string `json:"clinic_id"`
	ConnectionId uint   `json:"connection_id"`
}
