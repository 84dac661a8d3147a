package domain

import "strings"

// Language is one of the configured recognition languages.
type Language string

const (
	LanguageEnglish Language = "en"
	LanguageHindi   Language = "hi"
	LanguageMarathi Language = "mr"
)

// Languages lists the supported languages.
var Languages = []Language{LanguageEnglish, LanguageHindi, LanguageMarathi}

// Tag returns the BCP-47 tag handed to the recognition device.
func (l Language) Tag() string {
	switch l {
	case LanguageHindi:
		return "hi-IN"
	case LanguageMarathi:
		return "mr-IN"
	default:
		return "en-IN"
	}
}

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	return l == LanguageEnglish || l == LanguageHindi || l == LanguageMarathi
}

// ParseLanguage accepts either a short code ("hi") or a tag ("hi-IN").
func ParseLanguage(s string) (Language, bool) {
	code, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "-")
	l := Language(code)
	if !l.Valid() {
		return "", false
	}
	return l, true
}
