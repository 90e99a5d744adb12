package sheetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/kamdental/dentalsync_backend/config"
	"bitbucket.org/kamdental/dentalsync_backend/models"
	"bitbucket.org/kamdental/dentalsync_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Resolver maps durable codes (e.g. "KAMDENTAL_BAYTOWN") to backend primary
// keys. Database reseeding regenerates those keys; resolving through codes
// and the external-mapping table keeps the pipeline working across reseeds.
type Resolver struct {
	client     *Client
	cache      Cache
	cacheTTL   time.Duration
	systemName string

	maxAttempts int
	retryDelay  time.Duration
	sleep       func(time.Duration)

	// db mirrors resolved mappings locally; nil disables the mirror.
	db *gorm.DB
}

func NewResolver(client *Client, cache Cache, cfg Config, db *gorm.DB) *Resolver {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := cfg.ResolverDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Resolver{
		client:      client,
		cache:       cache,
		cacheTTL:    ttl,
		systemName:  cfg.SystemName,
		maxAttempts: maxAttempts,
		retryDelay:  delay,
		sleep:       time.Sleep,
		db:          db,
	}
}

// cachedLookup distinguishes a cached hit from a cached definitive miss.
type cachedLookup struct {
	ID    string `json:"id"`
	Found bool   `json:"found"`
}

func rpcPathFor(entityType string) string {
	return "/rest/v1/rpc/lookup_" + entityType + "_id"
}

// Resolve returns the backend ID for a code, or utils.ErrRecordNotFound.
// Lookup order: cache, canonical code lookup, external-mapping fallback,
// local mirror. Both hits and definitive misses are cached.
func (r *Resolver) Resolve(ctx context.Context, code string, entityType string) (string, error) {
	params, _ := json.Marshal(map[string]string{"codeInput": code, "entityType": entityType})
	cacheKey := fmt.Sprintf("%s|%s", rpcPathFor(entityType), params)

	if raw, ok := r.cache.Get(cacheKey); ok {
		var cached cachedLookup
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			if !cached.Found {
				return "", utils.ErrRecordNotFound
			}
			return cached.ID, nil
		}
	}

	id, err := r.lookupWithRetry(ctx, rpcPathFor(entityType), map[string]string{"codeInput": code})
	if err != nil {
		// Transport exhausted: the local mirror may still know the answer.
		if mirrored := r.mirrorLookup(ctx, code, entityType); mirrored != "" {
			return mirrored, nil
		}
		logger := config.GetLogger()
		config.LogError(logger, "sheetsync", "Resolve", "lookup failed after retries", map[string]string{"code": code, "entityType": entityType}, err)
		return "", utils.ErrRecordNotFound
	}

	viaFallback := false
	if id == "" && r.systemName != "" {
		id, err = r.lookupWithRetry(ctx, "/rest/v1/rpc/lookup_external_mapping", map[string]string{
			"systemName":      r.systemName,
			"externalIdInput": code,
			"entityTypeInput": entityType,
		})
		if err != nil {
			if mirrored := r.mirrorLookup(ctx, code, entityType); mirrored != "" {
				return mirrored, nil
			}
			logger := config.GetLogger()
			config.LogError(logger, "sheetsync", "Resolve", "external mapping lookup failed", map[string]string{"code": code, "entityType": entityType}, err)
			return "", utils.ErrRecordNotFound
		}
		viaFallback = id != ""
	}

	cached, _ := json.Marshal(cachedLookup{ID: id, Found: id != ""})
	r.cache.Set(cacheKey, string(cached), r.cacheTTL)

	if id == "" {
		return "", utils.ErrRecordNotFound
	}
	if viaFallback {
		// Touch the backend mapping row so its last-seen survives reseeds.
		// Best-effort: a failed refresh must not fail the resolve.
		if err := r.client.UpsertMapping(ctx, r.systemName, code, entityType, id, ""); err != nil {
			config.LogError(config.GetLogger(), "sheetsync", "Resolve", "mapping refresh failed", map[string]string{"code": code, "entityType": entityType}, err)
		}
	}
	r.mirrorStore(ctx, code, entityType, id)
	return id, nil
}

// lookupWithRetry retries transient failures with linear backoff
// (delay * attempt); permanent API errors are returned immediately.
func (r *Resolver) lookupWithRetry(ctx context.Context, rpcPath string, payload any) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		id, err := r.client.LookupID(ctx, rpcPath, payload)
		if err == nil {
			return id, nil
		}
		if !IsRetryable(err) {
			return "", err
		}
		lastErr = err
		if attempt < r.maxAttempts {
			r.sleep(r.retryDelay * time.Duration(attempt))
		}
	}
	return "", lastErr
}

// UpsertMapping writes/refreshes an external mapping row on the backend and
// in the local mirror. Idempotent, last-write-wins.
func (r *Resolver) UpsertMapping(ctx context.Context, systemName, externalId, entityType, entityId, notes string) error {
	if err := r.client.UpsertMapping(ctx, systemName, externalId, entityType, entityId, notes); err != nil {
		return err
	}
	if r.db != nil {
		now := time.Now()
		mapping := models.ExternalIdMapping{
			SystemName: systemName,
			EntityType: entityType,
			ExternalId: externalId,
			EntityId:   entityId,
			Notes:      notes,
			LastSeenAt: &now,
		}
		if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "system_name"}, {Name: "entity_type"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"entity_id", "notes", "last_seen_at"}),
		}).Create(&mapping).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) mirrorLookup(ctx context.Context, code string, entityType string) string {
	if r.db == nil || r.systemName == "" {
		return ""
	}
	var mapping models.ExternalIdMapping
	err := r.db.WithContext(ctx).
		Where("system_name = ? AND entity_type = ? AND external_id = ?", r.systemName, entityType, code).
		Take(&mapping).Error
	if err != nil {
		return ""
	}
	return mapping.EntityId
}

func (r *Resolver) mirrorStore(ctx context.Context, code string, entityType string, entityId string) {
	if r.db == nil || r.systemName == "" {
		return
	}
	now := time.Now()
	mapping := models.ExternalIdMapping{
		SystemName: r.systemName,
		EntityType: entityType,
		ExternalId: code,
		EntityId:   entityId,
		LastSeenAt: &now,
	}
	_ = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "system_name"}, {Name: "entity_type"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"entity_id", "last_seen_at"}),
	}).Create(&mapping).Error
}
