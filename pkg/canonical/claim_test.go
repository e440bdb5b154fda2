package canonical

import (
	"bytes"
	"testing"
)

func sampleClaim() Claim {
	return Claim{
		EventType:     "vehicle_presence_after_hours",
		TimeBucket:    TimeBucket{StartS: 1706140800, SizeS: 600},
		ZoneID:        "zone:front",
		Confidence:    Confidence{Float: 0.85},
		KernelVersion: "0.3.0",
		RulesetID:     "ruleset:v1",
	}
}

func TestClaimBytes_IdempotentOnReencode(t *testing.T) {
	c := sampleClaim()
	b1 := c.Bytes()

	// Re-decode the key fields is not needed: canonicalizing a canonical
	// payload (i.e. re-encoding the same struct) must yield identical bytes.
	b2 := c.Bytes()
	if !bytes.Equal(b1, b2) {
		t.Fatalf("re-encoding the same claim produced different bytes:\n%s\n%s", b1, b2)
	}
}

func TestClaimBytes_KeysSorted(t *testing.T) {
	c := sampleClaim()
	b := c.Bytes()
	// confidence sorts before event_type sorts before zone_id.
	confIdx := bytes.Index(b, []byte(`"confidence"`))
	eventIdx := bytes.Index(b, []byte(`"event_type"`))
	zoneIdx := bytes.Index(b, []byte(`"zone_id"`))
	if !(confIdx < eventIdx && eventIdx < zoneIdx) {
		t.Fatalf("fields not in sorted order: %s", b)
	}
}

func TestClaimBytes_OrdinalConfidence(t *testing.T) {
	c := sampleClaim()
	c.Confidence = Confidence{IsOrdinal: true, Ordinal: "high"}
	b := c.Bytes()
	if !bytes.Contains(b, []byte(`"confidence":"high"`)) {
		t.Fatalf("expected ordinal confidence literal, got %s", b)
	}
}

func TestClaimBytes_CorrelationTokenOmittedWhenAbsent(t *testing.T) {
	c := sampleClaim()
	b := c.Bytes()
	if bytes.Contains(b, []byte("correlation_token")) {
		t.Fatalf("expected no correlation_token field, got %s", b)
	}
}

func TestClaimBytes_CorrelationTokenHexEncoded(t *testing.T) {
	c := sampleClaim()
	c.CorrelationToken = []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x11, 0x22, 0x33}
	b := c.Bytes()
	if !bytes.Contains(b, []byte(`"correlation_token":"deadbeef00112233"`)) {
		t.Fatalf("expected hex-encoded token, got %s", b)
	}
}

func TestValidZoneID(t *testing.T) {
	valid := []string{"zone:front", "zone:a", "zone:back-lot_2"}
	invalid := []string{"front", "zone:", "zone:Front", "zone:37.4,-122.1", ""}

	for _, z := range valid {
		if !ValidZoneID(z) {
			t.Errorf("expected %q to be valid", z)
		}
	}
	for _, z := range invalid {
		if ValidZoneID(z) {
			t.Errorf("expected %q to be invalid", z)
		}
	}
}

func TestNFC_NormalizesComposedForm(t *testing.T) {
	// "e" (U+0065) followed by the combining acute accent (U+0301), which
	// NFC must fold into the single precomposed codepoint (U+00E9).
	decomposed := "zone:caf" + string(rune(0x0065)) + string(rune(0x0301))
	precomposed := "zone:caf" + string(rune(0x00E9))

	if decomposed == precomposed {
		t.Fatal("test fixture error: decomposed and precomposed forms must differ in source bytes")
	}
	if NFC(decomposed) != precomposed {
		t.Fatalf("expected NFC(%q) == %q, got %q", decomposed, precomposed, NFC(decomposed))
	}
}
