package orchestration

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/llm"
	"github.com/apiweaver/apiweaver/metadata"
	"github.com/apiweaver/apiweaver/telemetry"
)

// MatchThreshold is the minimum score for an endpoint to count as a match.
const MatchThreshold = 0.2

// Signal weights. The prompt-text bonus is additive, so the maximum
// possible score is 1.1.
const (
	semanticWeight   = 0.4
	keywordWeight    = 0.3
	intentWeight     = 0.3
	promptTextBonus  = 0.1
	promptTextMinLen = 20
)

// ScoredEndpoint is an endpoint with its relevance score for a query.
type ScoredEndpoint struct {
	metadata.EndpointDetail
	Score float64
}

// IntentResolver ranks a project's endpoints against a user query using
// weighted semantic, keyword and intent-pattern similarity.
type IntentResolver struct {
	gateway llm.Gateway
	logger  core.Logger
}

// NewIntentResolver creates an intent resolver.
func NewIntentResolver(gateway llm.Gateway) *IntentResolver {
	return &IntentResolver{gateway: gateway}
}

// SetLogger sets the logger provider.
func (r *IntentResolver) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
	} else {
		r.logger = logger
	}
}

// Resolve scores every endpoint and returns those at or above the match
// threshold, sorted by score descending (ties broken by method then path
// for determinism). When nothing reaches the threshold the full scored
// catalog is returned unfiltered - the planner still gets to choose.
func (r *IntentResolver) Resolve(ctx context.Context, query string, catalog []metadata.EndpointDetail) []ScoredEndpoint {
	start := time.Now()

	var queryEmbedding []float64
	if r.gateway != nil {
		embedding, err := r.gateway.Embed(ctx, query)
		if err != nil {
			// Degrade to lexical signals only.
			if r.logger != nil {
				r.logger.Warn("Query embedding unavailable", map[string]interface{}{
					"operation": "intent_embedding",
					"error":     err.Error(),
				})
			}
		} else {
			queryEmbedding = embedding
		}
	}

	queryTokens := tokenize(query)

	scored := make([]ScoredEndpoint, 0, len(catalog))
	for _, detail := range catalog {
		semantic := clamp01(cosineSimilarity(queryEmbedding, detail.Embedding))
		keyword := clamp01(keywordScore(queryTokens, detail.Keywords))
		intent := clamp01(intentScore(query, detail.IntentPatterns))

		score := semanticWeight*semantic + keywordWeight*keyword + intentWeight*intent
		if len(detail.PromptText) > promptTextMinLen {
			score += promptTextBonus
		}

		scored = append(scored, ScoredEndpoint{EndpointDetail: detail, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Method != scored[j].Method {
			return scored[i].Method < scored[j].Method
		}
		return scored[i].Path < scored[j].Path
	})

	matched := make([]ScoredEndpoint, 0, len(scored))
	for _, s := range scored {
		if s.Score >= MatchThreshold {
			matched = append(matched, s)
		}
	}

	telemetry.Duration("resolver.duration_ms", start)
	telemetry.Histogram("resolver.matches", float64(len(matched)))

	if len(matched) == 0 {
		// Fail open: let the planner see everything rather than nothing.
		if r.logger != nil {
			r.logger.Debug("No endpoint reached match threshold, failing open", map[string]interface{}{
				"operation":    "intent_resolution",
				"catalog_size": len(scored),
			})
		}
		return scored
	}
	return matched
}

// cosineSimilarity returns 0 when either vector is missing or the
// dimensions disagree.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// keywordScore is the fraction of endpoint keywords that substring-match
// some query token, in either direction.
func keywordScore(queryTokens []string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	matched := 0
	for _, kw := range keywords {
		kwLower := strings.ToLower(kw)
		for _, token := range queryTokens {
			if strings.Contains(kwLower, token) || strings.Contains(token, kwLower) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(keywords))
}

// intentScore is the best match over the endpoint's intent patterns:
// full credit when one string contains the other, otherwise 0.7 times the
// word-overlap ratio (shared words over the union).
func intentScore(query string, patterns []string) float64 {
	queryLower := strings.ToLower(query)
	queryWords := tokenSet(tokenize(query))

	best := 0.0
	for _, pattern := range patterns {
		patternLower := strings.ToLower(pattern)
		if strings.Contains(queryLower, patternLower) || strings.Contains(patternLower, queryLower) {
			return 1.0
		}

		patternWords := tokenSet(tokenize(pattern))
		if len(patternWords) == 0 {
			continue
		}
		shared, union := 0, len(queryWords)
		for w := range patternWords {
			if queryWords[w] {
				shared++
			} else {
				union++
			}
		}
		if union == 0 {
			continue
		}
		if s := 0.7 * float64(shared) / float64(union); s > best {
			best = s
		}
	}
	return best
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
