package approval

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/msageha/taskvault/internal/model"
)

// Policy decides whether an action is sensitive enough to need a human.
type Policy struct {
	Keywords        []string
	AmountThreshold float64
}

func PolicyFromConfig(cfg model.ApprovalConfig) Policy {
	kws := make([]string, 0, len(cfg.SensitiveKeywords))
	for _, kw := range cfg.SensitiveKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			kws = append(kws, kw)
		}
	}
	return Policy{Keywords: kws, AmountThreshold: cfg.AmountThreshold}
}

// Reason returns why text/metadata require approval, or "" when they don't.
// Keywords match whole words; a metadata "amount" above the threshold matches
// regardless of wording.
func (p Policy) Reason(text string, metadata map[string]string) string {
	if raw, ok := metadata["amount"]; ok && p.AmountThreshold > 0 {
		amount, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err == nil && amount > p.AmountThreshold {
			return fmt.Sprintf("amount %s exceeds %s", formatAmount(amount), formatAmount(p.AmountThreshold))
		}
	}

	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	for _, kw := range p.Keywords {
		if words[kw] {
			return "sensitive keyword: " + kw
		}
	}
	return ""
}

// Sensitive adapts Reason to collab.SensitiveFunc.
func (p Policy) Sensitive(text string, metadata map[string]string) bool {
	return p.Reason(text, metadata) != ""
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
