package dispatch

// Scoring weights. Reliability dominates, response time penalizes, past call
// ratings add a smaller boost.
const (
	WeightReliability  = 1.0
	WeightResponseTime = 0.5
	WeightRating       = 10.0
)

// Defaults applied when a candidate has no behavioral history yet. A new
// volunteer must score as a good citizen, never as a zero.
const (
	DefaultRating          = 5.0
	DefaultReliability     = 100.0
	DefaultResponseTimeAvg = 0.0
)

// Candidate is a read-only scoring snapshot of one available volunteer.
// Nil pointers mean the directory has no aggregate yet and the defaults
// apply.
type Candidate struct {
	ID               string
	Rating           *float64
	ReliabilityScore *float64
	ResponseTimeAvg  *float64
}

// Score computes the ranking value for one candidate.
func Score(c Candidate) float64 {
	rating := DefaultRating
	if c.Rating != nil {
		rating = *c.Rating
	}
	reliability := DefaultReliability
	if c.ReliabilityScore != nil {
		reliability = *c.ReliabilityScore
	}
	respAvg := DefaultResponseTimeAvg
	if c.ResponseTimeAvg != nil {
		respAvg = *c.ResponseTimeAvg
	}
	return reliability*WeightReliability - respAvg*WeightResponseTime + rating*WeightRating
}

// BestCandidate returns the id of the highest-scoring candidate, or
// ("", false) for an empty slice. Ties keep the first-seen candidate, so the
// result is deterministic for a fixed input order; callers must not rely on
// any other tie-break.
func BestCandidate(candidates []Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	bestScore := Score(best)
	for _, c := range candidates[1:] {
		if s := Score(c); s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best.ID, true
}
