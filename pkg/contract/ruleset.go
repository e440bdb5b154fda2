package contract

// Ruleset is a versioned, identified schema governing event vocabulary and
// precision bounds (spec §GLOSSARY "Ruleset"). Adding an event type or
// loosening a bound requires a new RulesetID — rulesets are never mutated
// in place.
type Ruleset struct {
	RulesetID     string
	KernelVersion string

	// Vocabulary is the closed set of permitted event_type values.
	Vocabulary map[string]struct{}

	// MinBucketSeconds is the floor for time_bucket.size_s.
	MinBucketSeconds int64

	// OrdinalConfidenceClasses, if non-empty, is the closed set of named
	// ordinal confidence classes this ruleset permits in addition to a
	// bare float in [0,1].
	OrdinalConfidenceClasses map[string]struct{}

	// DenialReceiptsMandatory decides spec §9 Open Question (a): whether a
	// break-glass denial must produce a receipt. Default false.
	DenialReceiptsMandatory bool
}

// NewRuleset builds a Ruleset from a vocabulary slice, defaulting
// MinBucketSeconds to the spec's floor of 300 seconds.
func NewRuleset(rulesetID, kernelVersion string, vocabulary []string) *Ruleset {
	vocab := make(map[string]struct{}, len(vocabulary))
	for _, v := range vocabulary {
		vocab[v] = struct{}{}
	}
	return &Ruleset{
		RulesetID:        rulesetID,
		KernelVersion:    kernelVersion,
		Vocabulary:       vocab,
		MinBucketSeconds: 300,
	}
}

// WithOrdinalClasses returns r with the given ordinal confidence classes
// enabled (e.g. "low", "medium", "high").
func (r *Ruleset) WithOrdinalClasses(classes ...string) *Ruleset {
	r.OrdinalConfidenceClasses = make(map[string]struct{}, len(classes))
	for _, c := range classes {
		r.OrdinalConfidenceClasses[c] = struct{}{}
	}
	return r
}
