package core

// LikelihoodBand buckets a connection-likelihood percentage.
type LikelihoodBand string

const (
	BandVeryHigh LikelihoodBand = "very_high"
	BandHigh     LikelihoodBand = "high"
	BandMedium   LikelihoodBand = "medium"
	BandLow      LikelihoodBand = "low"
	BandVeryLow  LikelihoodBand = "very_low"
)

// Likelihood is a percentage/band estimate of connection success derived
// from a finding multiset.
type Likelihood struct {
	Percentage     int            `json:"percentage"`
	Band           LikelihoodBand `json:"band"`
	BlockingIssues []Finding      `json:"blocking_issues,omitempty"`
}

// Per-severity score penalties. The base starts at 95 and each finding
// subtracts its penalty before clamping to [0,100].
const (
	likelihoodBase  = 95
	penaltyCritical = 85
	penaltyError    = 55
	penaltyWarning  = 25
)

// EvaluateLikelihood computes the connection likelihood for a finding
// multiset. It is a pure function: identical inputs always produce identical
// output. Skipped findings do not affect the score.
func EvaluateLikelihood(findings []Finding) Likelihood {
	score := likelihoodBase
	var blocking []Finding
	for _, f := range findings {
		if f.Skipped {
			continue
		}
		switch f.Severity {
		case SeverityCritical:
			score -= penaltyCritical
			blocking = append(blocking, f)
		case SeverityError:
			score -= penaltyError
			blocking = append(blocking, f)
		case SeverityWarning:
			score -= penaltyWarning
		}
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Likelihood{
		Percentage:     score,
		Band:           bandFor(score),
		BlockingIssues: blocking,
	}
}

func bandFor(pct int) LikelihoodBand {
	switch {
	case pct >= 90:
		return BandVeryHigh
	case pct >= 70:
		return BandHigh
	case pct >= 40:
		return BandMedium
	case pct >= 10:
		return BandLow
	default:
		return BandVeryLow
	}
}
