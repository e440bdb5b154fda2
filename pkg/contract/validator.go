// Package contract implements the Privacy Witness Kernel's event contract
// validator (C1): an ingress allowlist that rejects any candidate claim
// carrying forbidden precision or identifiers, and coarsens time at
// ingress before anything is ever chained into the event log.
package contract

import (
	"github.com/certen/privacy-witness-kernel/pkg/canonical"
)

// allowedFields is the complete, closed set of keys a candidate claim may
// carry. Anything else is rejected — the validator never drops an unknown
// key silently.
var allowedFields = map[string]struct{}{
	"event_type":        {},
	"time_bucket":       {},
	"zone_id":           {},
	"confidence":        {},
	"correlation_token": {},
	"kernel_version":    {},
	"ruleset_id":        {},
}

// forbiddenFieldNames are keys known in advance to carry the kinds of
// precision or identifiers spec §4.1 forbids outright (raw bytes, precise
// timestamps, stable/network/operator identifiers, sequential counters).
// A candidate carrying one of these is ForbiddenField rather than the
// more generic UnknownField, so collaborators get a clearer signal about
// why their integration is wrong.
var forbiddenFieldNames = map[string]struct{}{
	"license_plate":     {},
	"plate_number":      {},
	"vin":                {},
	"face_id":            {},
	"person_id":          {},
	"subject_id":         {},
	"mac_address":        {},
	"ip_address":         {},
	"device_serial":      {},
	"serial_number":      {},
	"operator_id":        {},
	"session_id":         {},
	"network_id":         {},
	"latitude":           {},
	"longitude":          {},
	"gps_coordinates":    {},
	"coordinates":        {},
	"raw_bytes":          {},
	"raw_frame":          {},
	"precise_timestamp":  {},
	"timestamp_ms":       {},
	"sequence_counter":   {},
	"frame_id":           {},
}

const correlationTokenLen = 8

// Validator enforces the event contract for one ruleset.
type Validator struct {
	ruleset *Ruleset
}

// NewValidator constructs a Validator bound to a single ruleset. Accepting
// a new event vocabulary or precision bound requires constructing a
// Validator against a new Ruleset, never mutating this one.
func NewValidator(ruleset *Ruleset) *Validator {
	return &Validator{ruleset: ruleset}
}

// Validate checks a candidate claim against every rule in spec §4.1 and,
// on success, returns its canonicalized form. On any violation it returns
// a *Violation and nothing else — the candidate is never partially
// accepted.
func (v *Validator) Validate(candidate map[string]any) (canonical.Claim, error) {
	var zero canonical.Claim

	for key := range candidate {
		if _, ok := allowedFields[key]; ok {
			continue
		}
		if _, ok := forbiddenFieldNames[key]; ok {
			return zero, violation(ForbiddenField, key)
		}
		return zero, violation(UnknownField, key)
	}

	eventType, ok := candidate["event_type"].(string)
	if !ok || eventType == "" {
		return zero, violation(ShapeInvalid, "event_type")
	}
	if _, ok := v.ruleset.Vocabulary[eventType]; !ok {
		return zero, violation(VocabularyMiss, "event_type")
	}

	tb, err := v.validateTimeBucket(candidate["time_bucket"])
	if err != nil {
		return zero, err
	}

	zoneID, ok := candidate["zone_id"].(string)
	if !ok || !canonical.ValidZoneID(zoneID) {
		return zero, violation(ShapeInvalid, "zone_id")
	}

	confidence, err := v.validateConfidence(candidate["confidence"])
	if err != nil {
		return zero, err
	}

	kernelVersion, ok := candidate["kernel_version"].(string)
	if !ok || kernelVersion == "" {
		return zero, violation(ShapeInvalid, "kernel_version")
	}

	rulesetID, ok := candidate["ruleset_id"].(string)
	if !ok || rulesetID != v.ruleset.RulesetID {
		return zero, violation(ShapeInvalid, "ruleset_id")
	}

	claim := canonical.Claim{
		EventType:     canonical.NFC(eventType),
		TimeBucket:    tb,
		ZoneID:        canonical.NFC(zoneID),
		Confidence:    confidence,
		KernelVersion: canonical.NFC(kernelVersion),
		RulesetID:     canonical.NFC(rulesetID),
	}

	if raw, present := candidate["correlation_token"]; present {
		token, err := v.validateCorrelationToken(raw, tb)
		if err != nil {
			return zero, err
		}
		claim.CorrelationToken = token
	}

	return claim, nil
}

func (v *Validator) validateTimeBucket(raw any) (canonical.TimeBucket, error) {
	var zero canonical.TimeBucket
	m, ok := raw.(map[string]any)
	if !ok {
		return zero, violation(ShapeInvalid, "time_bucket")
	}

	startF, okStart := toFloat(m["start_s"])
	sizeF, okSize := toFloat(m["size_s"])
	if !okStart || !okSize {
		return zero, violation(ShapeInvalid, "time_bucket")
	}

	size := int64(sizeF)
	if size < v.ruleset.MinBucketSeconds {
		return zero, violation(PrecisionTooHigh, "time_bucket.size_s")
	}

	start := int64(startF)
	start -= start % size // round down to a multiple of size_s

	return canonical.TimeBucket{StartS: start, SizeS: size}, nil
}

func (v *Validator) validateConfidence(raw any) (canonical.Confidence, error) {
	var zero canonical.Confidence
	switch c := raw.(type) {
	case string:
		if v.ruleset.OrdinalConfidenceClasses == nil {
			return zero, violation(ShapeInvalid, "confidence")
		}
		if _, ok := v.ruleset.OrdinalConfidenceClasses[c]; !ok {
			return zero, violation(ShapeInvalid, "confidence")
		}
		return canonical.Confidence{IsOrdinal: true, Ordinal: c}, nil
	default:
		f, ok := toFloat(raw)
		if !ok {
			return zero, violation(ShapeInvalid, "confidence")
		}
		if f < 0 || f > 1 {
			return zero, violation(ShapeInvalid, "confidence")
		}
		return canonical.Confidence{Float: f}, nil
	}
}

// validateCorrelationToken checks the token is exactly 8 bytes and that the
// claim's time bucket has a non-zero size. No separate token-epoch
// indicator is read or compared against the bucket. The validator never
// generates tokens, only verifies their shape.
func (v *Validator) validateCorrelationToken(raw any, tb canonical.TimeBucket) ([]byte, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, violation(ShapeInvalid, "correlation_token")
	}
	token := []byte(s)
	if len(token) != correlationTokenLen {
		return nil, violation(ShapeInvalid, "correlation_token")
	}
	if tb.SizeS == 0 {
		return nil, violation(ShapeInvalid, "correlation_token")
	}
	return token, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
