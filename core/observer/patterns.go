package observer

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SimilarityMetric selects how feature vectors are compared. Cosine is the
// default for template matching; Pearson is used for stream-to-stream
// coherence. DynamicTimeWarping is named for completeness but not
// implemented; neither stream in the core has variable phase alignment.
type SimilarityMetric int

const (
	Cosine SimilarityMetric = iota
	Pearson
	DynamicTimeWarping
)

// PatternTemplate is one named exemplar vector in the fixed library the
// observer matches live features against.
type PatternTemplate struct {
	Name     string
	Features []float64
}

// DefaultPatternLibrary returns the built-in templates: synchronization
// (uniform high coherence), self-organized criticality (power-law-ish
// falloff), and swarm consensus (dominant single mode). The vectors are
// exemplars in the observer's 8-dim feature space, supplied at
// construction and never learned.
func DefaultPatternLibrary() []PatternTemplate {
	return []PatternTemplate{
		{Name: "synchronization", Features: []float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9}},
		{Name: "self-organized-criticality", Features: []float64{1.0, 0.5, 0.25, 0.12, 0.06, 0.03, 0.015, 0.008}},
		{Name: "swarm-consensus", Features: []float64{1.0, 1.0, 1.0, 0.1, 0.1, 0.1, 0.1, 0.1}},
	}
}

// cosineSimilarity returns the cosine of the angle between a and b,
// treating mismatched lengths as zero-padded. Zero vectors score zero.
func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	dot := floats.Dot(a[:n], b[:n])
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

// pearson wraps gonum's sample correlation over two equal-length series.
func pearson(x, y []float64) float64 {
	if len(x) < 2 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}
