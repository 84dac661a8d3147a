// Package classifier maps transcript text to transaction candidates using
// per-language keyword sets and a prioritised amount extractor.
package classifier

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/precise-goals/finvoice/internal/domain"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultKeywords []byte

// Confidence attached to every candidate. It is a heuristic constant, not a
// score derived from the match.
const Confidence = 0.8

// DefaultAmountCeiling rejects amounts no personal transaction plausibly
// reaches, typically digit strings misheard by the recognizer.
var DefaultAmountCeiling = decimal.NewFromInt(10_000_000)

// Intents in match priority order.
const (
	IntentSavings   = "savings"
	IntentFood      = "food"
	IntentMedical   = "medical"
	IntentEducation = "education"
	IntentSpending  = "spending"
)

var intentOrder = []string{IntentSavings, IntentFood, IntentMedical, IntentEducation, IntentSpending}

// KeywordConfig is the YAML document describing keyword sets.
type KeywordConfig struct {
	CurrencyWords []string                       `yaml:"currencyWords"`
	Languages     map[string]map[string][]string `yaml:"languages"`
}

// Config configures a Classifier.
type Config struct {
	// AmountCeiling defaults to DefaultAmountCeiling when zero.
	AmountCeiling decimal.Decimal
	// Keywords overrides the embedded keyword document when set.
	Keywords []byte
}

type intentMatcher struct {
	intent     string
	latin      *regexp.Regexp
	devanagari []string
}

func (m intentMatcher) match(lower string) bool {
	if m.latin != nil && m.latin.MatchString(lower) {
		return true
	}
	for _, kw := range m.devanagari {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Classifier is safe for concurrent use; it holds no mutable state.
type Classifier struct {
	matchers map[domain.Language][]intentMatcher
	amounts  *amountExtractor
	ceiling  decimal.Decimal
}

// New builds a Classifier from cfg, parsing and validating the keyword sets.
func New(cfg Config) (*Classifier, error) {
	raw := cfg.Keywords
	if len(raw) == 0 {
		raw = defaultKeywords
	}

	var kc KeywordConfig
	if err := yaml.Unmarshal(raw, &kc); err != nil {
		return nil, fmt.Errorf("parsing keyword sets: %w", err)
	}
	if err := kc.validate(); err != nil {
		return nil, err
	}

	ceiling := cfg.AmountCeiling
	if ceiling.IsZero() {
		ceiling = DefaultAmountCeiling
	}

	c := &Classifier{
		matchers: make(map[domain.Language][]intentMatcher, len(kc.Languages)),
		amounts:  newAmountExtractor(kc.CurrencyWords),
		ceiling:  ceiling,
	}
	for code, intents := range kc.Languages {
		lang := domain.Language(code)
		for _, intent := range intentOrder {
			c.matchers[lang] = append(c.matchers[lang], compileIntent(intent, intents[intent]))
		}
	}
	return c, nil
}

func (kc KeywordConfig) validate() error {
	if len(kc.CurrencyWords) == 0 {
		return fmt.Errorf("keyword sets: currencyWords is empty")
	}
	for _, lang := range domain.Languages {
		intents, ok := kc.Languages[string(lang)]
		if !ok {
			return fmt.Errorf("keyword sets: language %q missing", lang)
		}
		for _, intent := range intentOrder {
			if len(intents[intent]) == 0 {
				return fmt.Errorf("keyword sets: language %q has no %s keywords", lang, intent)
			}
		}
	}
	for code := range kc.Languages {
		if !domain.Language(code).Valid() {
			return fmt.Errorf("keyword sets: unsupported language %q", code)
		}
	}
	return nil
}

func compileIntent(intent string, keywords []string) intentMatcher {
	m := intentMatcher{intent: intent}
	var latin []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if hasDevanagari(kw) {
			m.devanagari = append(m.devanagari, kw)
			continue
		}
		latin = append(latin, regexp.QuoteMeta(kw))
	}
	if len(latin) > 0 {
		// longest first so "pav bhaji" wins over "pav"
		sort.Slice(latin, func(i, j int) bool { return len(latin[i]) > len(latin[j]) })
		m.latin = regexp.MustCompile(`\b(?:` + strings.Join(latin, "|") + `)\b`)
	}
	return m
}

// Classify returns the candidate for text, or false when the text carries
// no usable amount. Unknown languages use the English keyword sets.
func (c *Classifier) Classify(text string, lang domain.Language) (domain.Candidate, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Candidate{}, false
	}
	if !lang.Valid() {
		lang = domain.LanguageEnglish
	}

	lower := strings.ToLower(foldDigits(text))

	amount, ok := c.amounts.extract(lower)
	if !ok || !amount.IsPositive() || amount.GreaterThan(c.ceiling) {
		return domain.Candidate{}, false
	}

	txType, category := mapIntent(c.intentFor(lower, lang))
	return domain.Candidate{
		Type:        txType,
		Category:    category,
		Amount:      amount,
		Description: text,
		Language:    lang,
		Confidence:  Confidence,
	}, true
}

func (c *Classifier) intentFor(lower string, lang domain.Language) string {
	for _, m := range c.matchers[lang] {
		if m.match(lower) {
			return m.intent
		}
	}
	return ""
}

func mapIntent(intent string) (domain.TransactionType, domain.Category) {
	switch intent {
	case IntentSavings:
		return domain.TypeSavings, ""
	case IntentFood:
		return domain.TypeExpense, domain.CategoryFood
	case IntentMedical:
		return domain.TypeExpense, domain.CategoryMedical
	case IntentEducation:
		return domain.TypeExpense, domain.CategoryEducation
	case IntentSpending:
		return domain.TypeSpending, ""
	default:
		return domain.TypeExpense, domain.CategoryOthers
	}
}

func hasDevanagari(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Devanagari, r) {
			return true
		}
	}
	return false
}

// foldDigits rewrites Devanagari digits (०-९) as ASCII digits.
func foldDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '०' && r <= '९' {
			return '0' + (r - '०')
		}
		return r
	}, s)
}
