package vectorstore

import (
	"math"

	"chat-rag/internal/models"
)

// Candidate is a nearest-neighbour hit before re-ranking.
type Candidate struct {
	Chunk     models.Chunk
	Embedding []float32
	Score     float32 // similarity to the query
}

// MMR picks up to k candidates by Maximal Marginal Relevance: each step takes
// the candidate maximising lambda*relevance - (1-lambda)*max similarity to the
// already selected ones. Candidates must be ordered by descending relevance;
// ties keep that order.
func MMR(candidates []Candidate, k int, lambda float32) []models.ScoredChunk {
	// a zero-norm vector on either side yields a NaN score; such hits rank nowhere
	finite := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if isFinite(float64(c.Score)) {
			finite = append(finite, c)
		}
	}
	candidates = finite
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	k = min(k, len(candidates))

	norms := make([]float64, len(candidates))
	for i, c := range candidates {
		norms[i] = norm(c.Embedding)
	}
	// maxSim[i] is the highest similarity of candidate i to any selected candidate
	maxSim := make([]float64, len(candidates))
	used := make([]bool, len(candidates))
	out := make([]models.ScoredChunk, 0, k)
	l := float64(lambda)

	for len(out) < k {
		best, bestScore := -1, math.Inf(-1)
		for i, c := range candidates {
			if used[i] {
				continue
			}
			penalty := 0.0
			if len(out) > 0 {
				penalty = maxSim[i]
			}
			score := l*float64(c.Score) - (1-l)*penalty
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		out = append(out, models.ScoredChunk{Chunk: candidates[best].Chunk, Score: candidates[best].Score})

		for i, c := range candidates {
			if used[i] {
				continue
			}
			sim := cosine(c.Embedding, candidates[best].Embedding, norms[i], norms[best])
			if !isFinite(sim) {
				sim = 0
			}
			if len(out) == 1 || sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}
	return out
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero.
func Cosine(a, b []float32) float32 {
	return float32(cosine(a, b, norm(a), norm(b)))
}

func cosine(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	n := min(len(a), len(b))
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}

// IsZero reports whether v has no direction to compare against.
func IsZero(v []float32) bool {
	n := norm(v)
	return n == 0 || !isFinite(n)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}
