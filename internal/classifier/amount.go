package classifier

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const number = `(\d+(?:,\d+)*(?:\.\d+)?)`

// amountExtractor tries its patterns in order and takes the first that
// matches anywhere in the text.
type amountExtractor struct {
	patterns []*regexp.Regexp
}

func newAmountExtractor(currencyWords []string) *amountExtractor {
	words := make([]string, 0, len(currencyWords))
	for _, w := range currencyWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, regexp.QuoteMeta(w))
		}
	}
	sort.Slice(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })

	return &amountExtractor{patterns: []*regexp.Regexp{
		// 500 rupees, 500 रुपये, 500₹
		regexp.MustCompile(number + `\s*(?:` + strings.Join(words, "|") + `)`),
		// ₹500, rs. 500, inr 500
		regexp.MustCompile(`(?:₹|\brs\b\.?|\binr\b)\s*` + number),
		// 500rs, 500 inr, 500/-
		regexp.MustCompile(number + `\s*(?:rs\b|inr\b|/-)`),
		regexp.MustCompile(number),
	}}
}

func (e *amountExtractor) extract(text string) (decimal.Decimal, bool) {
	for _, p := range e.patterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}
