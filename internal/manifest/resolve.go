package manifest

import (
	"regexp"
	"sort"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/dermavision/curator/internal/dataset"
)

// Tier is the reconciliation tier that matched a declared file name.
type Tier int

const (
	TierUnmatched Tier = iota
	TierExact
	TierNormalized
	TierFuzzy
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierNormalized:
		return "normalized"
	case TierFuzzy:
		return "fuzzy"
	default:
		return "unmatched"
	}
}

// Match is the outcome of resolving one declared file name.
type Match struct {
	Tier  Tier
	Key   string
	Score float64 // Similarity for fuzzy matches, 1 otherwise
}

// Roboflow exports embed a content hash as "rf.<hex>" in file names.
var tokenRe = regexp.MustCompile(`(?i)\brf\.([a-f0-9]{6,})`)

// Token returns the lower-cased content token embedded in name, or "".
func Token(name string) string {
	m := tokenRe.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

var separatorVariants = strings.NewReplacer(
	"_jpg.", "-jpg.",
	"_jpeg.", "-jpeg.",
	"_png.", "-png.",
)

// NormalizeName lower-cases name, collapses known separator variants and
// strips any directory component.
func NormalizeName(name string) string {
	n := strings.ToLower(name)
	n = separatorVariants.Replace(n)
	n = strings.ReplaceAll(n, "__", "_")
	return dataset.BaseName(n)
}

// Resolver maps declared file names onto stored keys.
type Resolver struct {
	byToken map[string]string
	byName  map[string]string
	names   []string
	cutoff  float64
}

// NewResolver indexes the stored keys. Where two keys share a token or a
// normalized name, the lexically first key wins.
func NewResolver(keys []string, cutoff float64) *Resolver {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	r := &Resolver{
		byToken: make(map[string]string),
		byName:  make(map[string]string),
		cutoff:  cutoff,
	}
	for _, k := range sorted {
		base := dataset.BaseName(k)
		if tok := Token(base); tok != "" {
			if _, ok := r.byToken[tok]; !ok {
				r.byToken[tok] = k
			}
		}
		n := NormalizeName(base)
		if _, ok := r.byName[n]; !ok {
			r.byName[n] = k
			r.names = append(r.names, n)
		}
	}
	sort.Strings(r.names)
	return r
}

// Resolve tries the token, normalized and fuzzy tiers in order.
func (r *Resolver) Resolve(fileName string) Match {
	if tok := Token(fileName); tok != "" {
		if k, ok := r.byToken[tok]; ok {
			return Match{Tier: TierExact, Key: k, Score: 1}
		}
	}

	norm := NormalizeName(fileName)
	if k, ok := r.byName[norm]; ok {
		return Match{Tier: TierNormalized, Key: k, Score: 1}
	}

	best, bestScore := "", 0.0
	for _, cand := range r.names {
		score := levenshtein.Similarity(norm, cand, nil)
		// names is sorted, so strict > keeps the smallest name on ties.
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	if best != "" && bestScore >= r.cutoff {
		return Match{Tier: TierFuzzy, Key: r.byName[best], Score: bestScore}
	}
	return Match{Tier: TierUnmatched}
}
