package eligibility

import (
	"fmt"
	"strings"
)

// Mode selects which checks an evaluation runs.
type Mode string

const (
	ModeScoreOnly          Mode = "score_only"
	ModeScoreAndMembership Mode = "score_and_membership"
)

// Comparison selects how a score is compared against the threshold.
type Comparison string

const (
	// CompareGreater admits when score > threshold (deny when score <= threshold).
	CompareGreater Comparison = "gt"
	// CompareGreaterOrEqual admits when score >= threshold.
	CompareGreaterOrEqual Comparison = "gte"
)

const (
	DefaultThreshold  = 15
	DefaultComparison = CompareGreaterOrEqual
	DefaultMode       = ModeScoreAndMembership
)

// Policy is the admission rule applied to every evaluation.
type Policy struct {
	Mode       Mode
	Threshold  float64
	Comparison Comparison
	// Group is the default membership fingerprint (registry community).
	Group string
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Mode:       DefaultMode,
		Threshold:  DefaultThreshold,
		Comparison: DefaultComparison,
	}
}

// Normalise fills empty fields with defaults and canonicalises casing.
func (p Policy) Normalise() Policy {
	p.Mode = Mode(strings.ToLower(strings.TrimSpace(string(p.Mode))))
	if p.Mode == "" {
		p.Mode = DefaultMode
	}
	p.Comparison = Comparison(strings.ToLower(strings.TrimSpace(string(p.Comparison))))
	if p.Comparison == "" {
		p.Comparison = DefaultComparison
	}
	p.Group = strings.ToLower(strings.TrimSpace(p.Group))
	return p
}

// Validate ensures the policy is self-consistent.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeScoreOnly, ModeScoreAndMembership:
	default:
		return fmt.Errorf("eligibility: unknown mode %q", p.Mode)
	}
	switch p.Comparison {
	case CompareGreater, CompareGreaterOrEqual:
	default:
		return fmt.Errorf("eligibility: unknown comparison %q", p.Comparison)
	}
	if p.Threshold < 0 {
		return fmt.Errorf("eligibility: threshold must be non-negative")
	}
	return nil
}

// RequiresMembership reports whether the policy consults the membership oracle.
func (p Policy) RequiresMembership() bool {
	return p.Mode == ModeScoreAndMembership
}

// Passes applies the configured comparison to score.
func (p Policy) Passes(score float64) bool {
	if p.Comparison == CompareGreaterOrEqual {
		return score >= p.Threshold
	}
	return score > p.Threshold
}
