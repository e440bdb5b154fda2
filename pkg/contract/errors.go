package contract

import "fmt"

// ViolationKind enumerates the specific ways a candidate claim can fail
// the event contract (spec §4.1).
type ViolationKind string

const (
	UnknownField   ViolationKind = "unknown_field"
	ForbiddenField ViolationKind = "forbidden_field"
	PrecisionTooHigh ViolationKind = "precision_too_high"
	VocabularyMiss ViolationKind = "vocabulary_miss"
	ShapeInvalid   ViolationKind = "shape_invalid"
)

// Violation is returned whenever a candidate claim is rejected. It never
// carries payload content — only the kind of failure and the offending
// field name, so a collaborator can react without the violation itself
// becoming a surveillance-adjacent log of rejected attempts.
type Violation struct {
	Kind  ViolationKind
	Field string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("contract violation: %s (field %q)", v.Kind, v.Field)
}

func violation(kind ViolationKind, field string) error {
	return &Violation{Kind: kind, Field: field}
}
