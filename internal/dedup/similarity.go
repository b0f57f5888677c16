package dedup

import (
	"github.com/agnivade/levenshtein"
	lru "github.com/hashicorp/golang-lru/v2"
)

// longStringCutoff bounds the levenshtein computation: beyond this the
// sequence ratio alone is close enough and O(n*m) distance is not worth it.
const longStringCutoff = 100

type simKey struct {
	a, b string
}

// Similarity computes string similarity in [0, 1] with an LRU memo, since
// duplicate detection compares the same normalized strings many times
// across candidate pairs.
type Similarity struct {
	cache *lru.Cache[simKey, float64]
}

// NewSimilarity returns a Similarity with a cache of |cacheSize| pairs.
func NewSimilarity(cacheSize int) (*Similarity, error) {
	cache, err := lru.New[simKey, float64](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Similarity{cache: cache}, nil
}

// Ratio returns the similarity of two strings. For short strings it is the
// better of the sequence-match ratio and the normalized edit distance; for
// long strings, the sequence-match ratio alone.
func (s *Similarity) Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	var key = simKey{a, b}
	if a > b {
		key = simKey{b, a}
	}
	if v, ok := s.cache.Get(key); ok {
		return v
	}

	var result = seqRatio(a, b)
	if len(a) < longStringCutoff && len(b) < longStringCutoff {
		var maxLen = len(a)
		if len(b) > maxLen {
			maxLen = len(b)
		}
		var lev = 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
		if lev > result {
			result = lev
		}
	}

	s.cache.Add(key, result)
	return result
}

// seqRatio is the Ratcliff/Obershelp ratio: twice the total length of
// recursively matched common substrings over the combined length.
func seqRatio(a, b string) float64 {
	var ra, rb = []rune(a), []rune(b)
	if len(ra)+len(rb) == 0 {
		return 0
	}
	return 2 * float64(matchedLen(ra, rb)) / float64(len(ra)+len(rb))
}

func matchedLen(a, b []rune) int {
	var aStart, bStart, size = longestCommonSub(a, b)
	if size == 0 {
		return 0
	}
	return size +
		matchedLen(a[:aStart], b[:bStart]) +
		matchedLen(a[aStart+size:], b[bStart+size:])
}

// longestCommonSub finds the longest common substring by dynamic
// programming over a rolling row.
func longestCommonSub(a, b []rune) (aStart, bStart, size int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	var prev = make([]int, len(b)+1)
	var curr = make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > size {
					size = curr[j]
					aStart = i - size
					bStart = j - size
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return aStart, bStart, size
}
