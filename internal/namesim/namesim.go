// Package namesim resolves near-duplicate entity names within a single
// topic using Double Metaphone phonetic filtering plus Jaro-Winkler ranking,
// adapted from the teacher's transcript/phonetic matcher. The graph
// materialization stage (spec.md §4.E point 4) uses it as a fallback when an
// exact (name, topic) lookup misses, so "Jon Snow" mentioned in one document
// and "John Snow" in another collapse onto the same entity instead of
// spawning a duplicate.
package namesim

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.85
	defaultFuzzyThreshold    = 0.92
)

// Option configures a Matcher.
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score accepted for a
// phonetically-overlapping candidate. Default: 0.85. Entity-name matching
// tolerates less drift than the teacher's speech-correction use case, since
// a false match here silently merges two distinct people or places.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum score accepted when no phonetic
// overlap exists. Default: 0.92.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher finds the closest known name to a candidate. Safe for concurrent
// use; read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with the given options applied over the defaults.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Closest returns the entry in known most similar to name, and whether it
// clears the configured threshold. known is typically every entity name
// already materialized in the current topic build.
func (m *Matcher) Closest(name string, known []string) (match string, score float64, ok bool) {
	if strings.TrimSpace(name) == "" || len(known) == 0 {
		return "", 0, false
	}

	nameLower := strings.ToLower(strings.TrimSpace(name))
	nameTokens := strings.Fields(nameLower)
	nameCodes := codesForTokens(nameTokens)

	var bestName string
	var bestScore float64
	var bestPhonetic bool

	for _, candidate := range known {
		candLower := strings.ToLower(strings.TrimSpace(candidate))
		if candLower == "" || candLower == nameLower {
			continue
		}
		candTokens := strings.Fields(candLower)
		phoneticMatch := codesOverlap(nameCodes, codesForTokens(candTokens))
		jw := bestJWScore(nameTokens, candTokens, nameLower, candLower)

		if phoneticMatch {
			if jw >= m.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				bestName, bestScore, bestPhonetic = candidate, jw, true
			}
		} else if !bestPhonetic && jw >= m.fuzzyThreshold && jw > bestScore {
			bestName, bestScore = candidate, jw
		}
	}

	if bestName == "" {
		return "", 0, false
	}
	return bestName, bestScore, true
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func bestJWScore(nameTokens, candTokens []string, nameFull, candFull string) float64 {
	score := matchr.JaroWinkler(nameFull, candFull, false)

	if len(nameTokens) > 1 || len(candTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(nameTokens, ""), strings.Join(candTokens, ""), false); s > score {
			score = s
		}
	}
	for _, nt := range nameTokens {
		for _, ct := range candTokens {
			if s := matchr.JaroWinkler(nt, ct, false); s > score {
				score = s
			}
		}
	}
	return score
}
