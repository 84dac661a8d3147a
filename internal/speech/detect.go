package speech

import (
	"strings"
	"unicode"

	"github.com/precise-goals/finvoice/internal/domain"
)

var marathiMarkers = markerSet(
	"आहे", "आहेत", "होते", "होता", "होती", "केले", "केला", "केली",
	"मी", "माझे", "माझा", "माझी", "मला", "आणि", "साठी", "झाले",
	"दिले", "घेतले", "नाही", "खर्चले", "रुपयांचे",
)

var hindiMarkers = markerSet(
	"है", "हैं", "था", "थे", "थी", "मैंने", "मेरा", "मेरे", "मेरी",
	"मुझे", "किया", "किए", "किये", "और", "में", "के", "की", "लिए",
	"दिया", "दिए", "खरीदा", "नहीं",
)

func markerSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// DetectLanguage picks the recognition language for the next utterance from
// the script and marker words of the last transcript. Devanagari text with no
// marker words keeps current.
func DetectLanguage(text string, current domain.Language) domain.Language {
	if !containsDevanagari(text) {
		return domain.LanguageEnglish
	}

	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if hasMarker(tokens, marathiMarkers) {
		return domain.LanguageMarathi
	}
	if hasMarker(tokens, hindiMarkers) {
		return domain.LanguageHindi
	}
	return current
}

func hasMarker(tokens []string, set map[string]struct{}) bool {
	for _, tok := range tokens {
		if _, ok := set[tok]; ok {
			return true
		}
	}
	return false
}

func containsDevanagari(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Devanagari, r) {
			return true
		}
	}
	return false
}
