// Package canonical implements the Privacy Witness Kernel's canonical byte
// encoding for claim payloads (spec §6.1): sorted map keys, NFC-normalized
// strings, fixed-decimal floats. The canonical byte string is what the
// event chain hashes as an entry's payload, so encoding
// here must be deterministic and stable across re-encoding.
package canonical

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

var zoneIDPattern = regexp.MustCompile(`^zone:[a-z0-9_-]{1,64}$`)

// TimeBucket is a coarse time window; size_s must be at least the
// ruleset's minimum bucket size and start_s must already be a multiple of
// size_s (the validator, not this package, rounds it there).
type TimeBucket struct {
	StartS int64 `json:"start_s"`
	SizeS  int64 `json:"size_s"`
}

// Claim is the canonical form of an event claim payload (spec §3 "Claim
// payload"). Field set is closed: no other fields are permitted.
type Claim struct {
	EventType        string     `json:"event_type"`
	TimeBucket       TimeBucket `json:"time_bucket"`
	ZoneID           string     `json:"zone_id"`
	Confidence       Confidence `json:"confidence"`
	CorrelationToken []byte     `json:"correlation_token,omitempty"` // 8 bytes, optional
	KernelVersion    string     `json:"kernel_version"`
	RulesetID        string     `json:"ruleset_id"`
}

// Confidence is either a float in [0,1] or a named ordinal class. Exactly
// one of Float/Ordinal is set.
type Confidence struct {
	IsOrdinal bool
	Float     float64
	Ordinal   string
}

// ValidZoneID reports whether id matches the zone_id grammar
// ("zone:[a-z0-9_-]{1,64}") — no absolute coordinates, no free text.
func ValidZoneID(id string) bool {
	return zoneIDPattern.MatchString(id)
}

// NFC normalizes a string to Unicode Normalization Form C, the form every
// string-valued claim field is stored and hashed in.
func NFC(s string) string {
	return norm.NFC.String(s)
}

// Bytes renders the claim to its canonical byte string. Object keys are
// written in fixed lexicographic order (confidence, correlation_token,
// event_type, kernel_version, ruleset_id, time_bucket{size_s,start_s},
// zone_id); strings are NFC-normalized; floats use a fixed 6-decimal
// form. This is a hand-written encoder rather than encoding/json because
// json.Marshal does not promise stable float formatting or key order for
// map-typed values, and the chain's hash is only as trustworthy as this
// encoding is stable.
func (c Claim) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"confidence":`)
	buf.WriteString(confidenceLiteral(c.Confidence))
	buf.WriteByte(',')

	if len(c.CorrelationToken) > 0 {
		buf.WriteString(`"correlation_token":`)
		buf.WriteString(quote(hexLower(c.CorrelationToken)))
		buf.WriteByte(',')
	}

	buf.WriteString(`"event_type":`)
	buf.WriteString(quote(NFC(c.EventType)))
	buf.WriteByte(',')

	buf.WriteString(`"kernel_version":`)
	buf.WriteString(quote(NFC(c.KernelVersion)))
	buf.WriteByte(',')

	buf.WriteString(`"ruleset_id":`)
	buf.WriteString(quote(NFC(c.RulesetID)))
	buf.WriteByte(',')

	buf.WriteString(`"time_bucket":`)
	buf.WriteString(fmt.Sprintf(`{"size_s":%d,"start_s":%d}`, c.TimeBucket.SizeS, c.TimeBucket.StartS))
	buf.WriteByte(',')

	buf.WriteString(`"zone_id":`)
	buf.WriteString(quote(NFC(c.ZoneID)))

	buf.WriteByte('}')
	return buf.Bytes()
}

func confidenceLiteral(c Confidence) string {
	if c.IsOrdinal {
		return quote(NFC(c.Ordinal))
	}
	return strconv.FormatFloat(c.Float, 'f', 6, 64)
}

// quote renders a Go string as a minimal JSON string literal. Canonical
// claim fields are closed-vocabulary identifiers and coarse strings, never
// free text, so escaping is limited to the two characters that matter.
func quote(s string) string {
	var buf bytes.Buffer
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return buf.String()
}

func hexLower(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return string(out)
}
