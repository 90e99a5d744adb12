package sheetsync

import (
	"fmt"
	"strings"
	"time"

	"bitbucket.org/kamdental/dentalsync_backend/utils"
	"github.com/shopspring/decimal"
)

// Validator classifies raw rows. It is pure: no network, no storage. The
// existence-dependent skip (non-upsert mode) lives in the orchestrator's
// batch dispatch, where the backend keys are known.
type Validator struct {
	cfg      Config
	registry LocationRegistry

	now func() time.Time
}

func NewValidator(cfg Config, registry LocationRegistry) *Validator {
	return &Validator{
		cfg:      cfg,
		registry: registry,
		now:      time.Now,
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
}

// Column aliases, normalized lowercase. The sheet's column order never
// matters; only headers do.
var (
	colsDate             = []string{"date"}
	colsLocation         = []string{"location", "location name", "location_name"}
	colsProduction       = []string{"production", "gross production"}
	colsAdjustments      = []string{"adjustments", "adjustment"}
	colsWriteOffs        = []string{"write offs", "write-offs", "writeoffs", "write_offs"}
	colsPatientIncome    = []string{"patient income", "patient_income", "patient collections"}
	colsInsuranceIncome  = []string{"insurance income", "insurance_income", "insurance collections"}
	colsNetProduction    = []string{"net production", "net_production"}
	colsTotalCollections = []string{"total collections", "total_collections", "collections"}
	colsRowUUID          = []string{"uuid", "row uuid", "row_uuid"}
)

// Validate applies the business rules in order, short-circuiting on hard
// errors. Every input row yields exactly one of: rejected-with-errors,
// accepted-with-warnings, accepted-clean.
func (v *Validator) Validate(rec SourceRecord) ValidationResult {
	var result ValidationResult

	// Rule 1: required fields.
	rawDate := cell(rec, colsDate)
	locationName := cell(rec, colsLocation)
	if rawDate == "" {
		result.Errors = append(result.Errors, rowMsg(rec, "missing date"))
	}
	if locationName == "" {
		result.Errors = append(result.Errors, rowMsg(rec, "missing location name"))
	}
	if len(result.Errors) > 0 {
		return result
	}

	// Rule 2: date parses, and is not in the future.
	date, ok := parseDate(rawDate)
	if !ok {
		result.Errors = append(result.Errors, rowMsg(rec, fmt.Sprintf("invalid date format: %q", rawDate)))
		return result
	}
	if v.cfg.RejectFutureDates {
		loc := v.cfg.Location
		if loc == nil {
			loc = time.UTC
		}
		// Calendar-date comparison in the clinic's timezone: an evening row
		// west of UTC is still "today" there.
		today := v.now().In(loc).Format("2006-01-02")
		if date.Format("2006-01-02") > today {
			result.Errors = append(result.Errors, rowMsg(rec, fmt.Sprintf("future date not allowed: %s", date.Format("2006-01-02"))))
			return result
		}
	}

	// Rule 3: location resolves; inactive is a warning, unknown is fatal.
	info, found := v.registry.Resolve(locationName)
	if !found {
		result.Errors = append(result.Errors, rowMsg(rec, fmt.Sprintf("location not found: %q", strings.TrimSpace(locationName))))
		return result
	}
	if !info.IsActive {
		result.Warnings = append(result.Warnings, rowMsg(rec, fmt.Sprintf("location %q is inactive", strings.TrimSpace(locationName))))
	}

	// Rule 4: money fields; blanks default to 0, negatives are permitted
	// (adjustments can exceed gross production, refunds make income negative).
	production, err := money(rec, colsProduction)
	if err != nil {
		result.Errors = append(result.Errors, rowMsg(rec, "invalid production: "+err.Error()))
		return result
	}
	adjustments, err := money(rec, colsAdjustments)
	if err != nil {
		result.Errors = append(result.Errors, rowMsg(rec, "invalid adjustments: "+err.Error()))
		return result
	}
	writeOffs, err := money(rec, colsWriteOffs)
	if err != nil {
		result.Errors = append(result.Errors, rowMsg(rec, "invalid write offs: "+err.Error()))
		return result
	}
	patientIncome, err := money(rec, colsPatientIncome)
	if err != nil {
		result.Errors = append(result.Errors, rowMsg(rec, "invalid patient income: "+err.Error()))
		return result
	}
	insuranceIncome, err := money(rec, colsInsuranceIncome)
	if err != nil {
		result.Errors = append(result.Errors, rowMsg(rec, "invalid insurance income: "+err.Error()))
		return result
	}

	// Rule 5: implausibly large production is a warning, not a rejection.
	if production.GreaterThan(v.cfg.ProductionWarnCeiling) {
		result.Warnings = append(result.Warnings, rowMsg(rec, fmt.Sprintf(
			"production (%s) exceeds %s, possible data entry error",
			production.StringFixed(2), v.cfg.ProductionWarnCeiling.StringFixed(0))))
	}

	// Rule 6: derived fields must agree with any inline values.
	netProduction := production.Sub(adjustments).Sub(writeOffs)
	totalCollections := patientIncome.Add(insuranceIncome)
	if inline := cell(rec, colsNetProduction); inline != "" {
		supplied, err := utils.ParseDecimal(inline)
		if err != nil {
			result.Errors = append(result.Errors, rowMsg(rec, "invalid net production: "+err.Error()))
			return result
		}
		if supplied.Sub(netProduction).Abs().GreaterThan(v.cfg.Tolerance) {
			result.Errors = append(result.Errors, rowMsg(rec, fmt.Sprintf(
				"net production mismatch: sheet has %s, computed %s",
				supplied.StringFixed(2), netProduction.StringFixed(2))))
			return result
		}
	}
	if inline := cell(rec, colsTotalCollections); inline != "" {
		supplied, err := utils.ParseDecimal(inline)
		if err != nil {
			result.Errors = append(result.Errors, rowMsg(rec, "invalid total collections: "+err.Error()))
			return result
		}
		if supplied.Sub(totalCollections).Abs().GreaterThan(v.cfg.Tolerance) {
			result.Errors = append(result.Errors, rowMsg(rec, fmt.Sprintf(
				"total collections mismatch: sheet has %s, computed %s",
				supplied.StringFixed(2), totalCollections.StringFixed(2))))
			return result
		}
	}

	// Rule 7: collections far above production usually means payment timing
	// or multi-period collection; flag it, keep the row. Strictly greater
	// than the multiple: exactly 2x production does not warn.
	if production.GreaterThan(decimal.Zero) {
		ceiling := production.Mul(v.cfg.CollectionsWarnMultiplier)
		if totalCollections.GreaterThan(ceiling) {
			result.Warnings = append(result.Warnings, rowMsg(rec, fmt.Sprintf(
				"collections (%s) are more than %sx production (%s)",
				totalCollections.StringFixed(2), v.cfg.CollectionsWarnMultiplier.String(), production.StringFixed(2))))
		}
	}

	result.Record = &CanonicalRecord{
		Date:             date,
		LocationCode:     info.Code,
		Production:       production,
		Adjustments:      adjustments,
		WriteOffs:        writeOffs,
		PatientIncome:    patientIncome,
		InsuranceIncome:  insuranceIncome,
		NetProduction:    netProduction,
		TotalCollections: totalCollections,
		RowUUID:          cell(rec, colsRowUUID),
	}
	return result
}

func cell(rec SourceRecord, aliases []string) string {
	for _, alias := range aliases {
		if v, ok := rec.Values[alias]; ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func money(rec SourceRecord, aliases []string) (decimal.Decimal, error) {
	raw := cell(rec, aliases)
	if raw == "" {
		return decimal.Zero, nil
	}
	return utils.ParseDecimal(raw)
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	// RFC3339 timestamps show up when the sheet cell is a datetime.
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Truncate(24 * time.Hour), true
	}
	return time.Time{}, false
}

func rowMsg(rec SourceRecord, msg string) string {
	if rec.RowNumber > 0 {
		return fmt.Sprintf("row %d: %s", rec.RowNumber, msg)
	}
	return msg
}

// NormalizeHeader maps a sheet column header onto the alias space the
// validator understands.
func NormalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// MapRegistry is the LocationRegistry used for backend-fetched locations and
// in tests: case-insensitive, trimmed name lookup.
type MapRegistry struct {
	byName map[string]LocationInfo
}

func NewMapRegistry() *MapRegistry {
	return &MapRegistry{byName: map[string]LocationInfo{}}
}

func (r *MapRegistry) Add(name string, info LocationInfo) {
	r.byName[strings.ToLower(strings.TrimSpace(name))] = info
}

func (r *MapRegistry) Resolve(name string) (LocationInfo, bool) {
	info, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return info, ok
}
