package merger

import (
	"math/bits"
	"strings"
	"unicode"

	"github.com/go-dedup/simhash"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// NearDuplicateDistance is the largest simhash Hamming distance treated as the same utterance.
	NearDuplicateDistance = 3
	// minFuzzyWords gates the simhash comparison; short phrases must match exactly.
	minFuzzyWords = 6
)

var folder = cases.Fold()

// Normalize folds text into a comparison key: compatibility decomposition,
// combining marks removed, case folded, punctuation and symbols dropped,
// whitespace collapsed to single spaces.
func Normalize(text string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, text)
	if err != nil {
		stripped = text
	}
	folded := folder.String(stripped)

	return strings.Join(strings.Fields(stripPunct(folded)), " ")
}

// stripPunct drops punctuation inside a word ("let's" -> "lets") and turns
// any other punctuation or symbol into a word break.
func stripPunct(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range rs {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			b.WriteRune(r)
			continue
		}
		if i > 0 && i+1 < len(rs) && isWordRune(rs[i-1]) && isWordRune(rs[i+1]) {
			continue
		}
		b.WriteByte(' ')
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// wordFeatures implements simhash.FeatureSet over normalized words and word bigrams.
type wordFeatures struct {
	words []string
}

func (w wordFeatures) GetFeatures() []simhash.Feature {
	features := make([]simhash.Feature, 0, len(w.words)*2)
	for i, word := range w.words {
		features = append(features, simhash.NewFeature([]byte(word)))
		if i > 0 {
			features = append(features, simhash.NewFeature([]byte(w.words[i-1]+" "+word)))
		}
	}
	return features
}

// Fingerprint computes the 64-bit simhash of already normalized text.
func Fingerprint(normalized string) uint64 {
	return simhash.NewSimhash().GetSimhash(wordFeatures{words: strings.Fields(normalized)})
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// NearIdentical reports whether two texts are the same utterance after
// normalization, or for longer texts, within NearDuplicateDistance bits.
func NearIdentical(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return true
	}
	if len(strings.Fields(na)) < minFuzzyWords || len(strings.Fields(nb)) < minFuzzyWords {
		return false
	}
	return HammingDistance(Fingerprint(na), Fingerprint(nb)) <= NearDuplicateDistance
}
