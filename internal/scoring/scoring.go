// Package scoring assigns a deterministic 0–10 priority score to task content.
package scoring

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/msageha/taskvault/internal/model"
)

const (
	BaseScore = 3.0
	MaxScore  = 10.0
)

// Keyword is a weighted group of terms; the group contributes once no matter
// how many of its terms appear. A term containing a space matches as a phrase,
// any other term matches whole words only.
type Keyword struct {
	Terms  []string
	Weight float64
}

// DefaultKeywords mirror the urgency and money signals the mail and chat
// sources use to flag items for immediate attention.
var DefaultKeywords = []Keyword{
	{Terms: []string{"urgent", "urgently"}, Weight: 2.5},
	{Terms: []string{"asap"}, Weight: 2.0},
	{Terms: []string{"immediate", "immediately"}, Weight: 1.5},
	{Terms: []string{"action required"}, Weight: 1.5},
	{Terms: []string{"invoice", "invoices"}, Weight: 2.2},
	{Terms: []string{"pay", "payment", "payments", "paid"}, Weight: 2.0},
	{Terms: []string{"billing", "bill"}, Weight: 1.2},
	{Terms: []string{"deadline", "overdue"}, Weight: 1.0},
	{Terms: []string{"important"}, Weight: 1.0},
	{Terms: []string{"help"}, Weight: 0.5},
	{Terms: []string{"meeting"}, Weight: 0.5},
}

// Scorer is a pure function object: equal inputs always give equal scores.
type Scorer struct {
	keywords        []Keyword
	maxContentBytes int
}

func New(maxContentBytes int, keywords []Keyword) *Scorer {
	if keywords == nil {
		keywords = DefaultKeywords
	}
	s := &Scorer{keywords: make([]Keyword, len(keywords)), maxContentBytes: maxContentBytes}
	for i, kw := range keywords {
		terms := make([]string, len(kw.Terms))
		for j, term := range kw.Terms {
			terms[j] = normalize(term)
		}
		s.keywords[i] = Keyword{Terms: terms, Weight: kw.Weight}
	}
	return s
}

// Score evaluates content and metadata. Empty, non-UTF-8 or oversized content
// is reported as model.ErrMalformedContent.
func (s *Scorer) Score(content string, metadata map[string]string) (float64, error) {
	if !utf8.ValidString(content) {
		return 0, fmt.Errorf("%w: content is not valid UTF-8", model.ErrMalformedContent)
	}
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("%w: content is empty", model.ErrMalformedContent)
	}
	if s.maxContentBytes > 0 && len(content) > s.maxContentBytes {
		return 0, fmt.Errorf("%w: content is %d bytes, limit %d", model.ErrMalformedContent, len(content), s.maxContentBytes)
	}

	text := normalize(content)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, isSeparator) {
		words[w] = true
	}
	// Phrases match against the word sequence joined by single spaces.
	joined := " " + strings.Join(strings.FieldsFunc(text, isSeparator), " ") + " "

	score := BaseScore
	for _, kw := range s.keywords {
		for _, term := range kw.Terms {
			if matches(term, words, joined) {
				score += kw.Weight
				break
			}
		}
	}
	score += metadataBoost(metadata)

	return round1(clamp(score)), nil
}

func matches(term string, words map[string]bool, joined string) bool {
	if strings.Contains(term, " ") {
		return strings.Contains(joined, " "+term+" ")
	}
	return words[term]
}

func metadataBoost(metadata map[string]string) float64 {
	boost := 0.0
	switch normalize(metadata["priority"]) {
	case "high", "urgent":
		boost += 1.5
	case "low":
		boost -= 1.0
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(metadata["important"])); err == nil && v {
		boost += 1.0
	}
	return boost
}

func normalize(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(MaxScore, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
