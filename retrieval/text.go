package retrieval

import (
	"strings"
	"unicode"
)

// Stop words ignored when counting content tokens
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true, "or": true, "i": true, "me": true, "my": true,
	"we": true, "our": true, "can": true, "does": true, "should": true,
	"about": true, "some": true, "any": true, "there": true, "vs": true,
}

// Words that suggest the user wants a survey of the space
var broadCues = map[string]bool{
	"what": true, "why": true, "how": true, "overview": true, "ideas": true,
	"examples": true, "explore": true, "options": true, "alternatives": true,
	"approaches": true, "ways": true, "different": true, "various": true,
	"brainstorm": true, "inspiration": true, "topics": true,
}

// Words that suggest the user wants one specific answer
var preciseCues = map[string]bool{
	"which": true, "when": true, "where": true, "who": true, "exact": true,
	"exactly": true, "specific": true, "specifically": true, "precise": true,
	"error": true, "version": true,
}

// Words that join items of an enumeration
var enumerators = map[string]bool{
	"and": true, "or": true, "vs": true, "versus": true, "nor": true,
}

const trimChars = ".,!?;:'\"`()[]{}"

// cleanWord lowercases a word and strips surrounding punctuation.
func cleanWord(word string) string {
	return strings.ToLower(strings.Trim(word, trimChars))
}

// tokenizeAndFilter splits text into words, lowercases, trims punctuation, and removes stop words
func tokenizeAndFilter(text string) []string {
	words := strings.Fields(text)
	filtered := make([]string, 0, len(words))

	for _, word := range words {
		cleaned := cleanWord(word)
		if cleaned != "" && !stopWords[cleaned] {
			filtered = append(filtered, cleaned)
		}
	}

	return filtered
}

// isTechnical reports whether a raw word looks like an identifier, version,
// acronym or path rather than prose.
func isTechnical(word string) bool {
	word = strings.Trim(word, trimChars)
	if word == "" {
		return false
	}

	var letters, uppers int
	prevLower := false
	camel := false
	for i, r := range word {
		switch {
		case unicode.IsDigit(r):
			return true
		case strings.ContainsRune("_/:\\=<>#@", r):
			return true
		case (r == '.' || r == '-') && i > 0 && i < len(word)-1:
			return true
		case unicode.IsUpper(r):
			letters++
			uppers++
			if prevLower {
				camel = true
			}
			prevLower = false
		case unicode.IsLetter(r):
			letters++
			prevLower = true
		default:
			prevLower = false
		}
	}
	if camel {
		return true
	}
	return letters >= 2 && uppers == letters
}

// isEntity reports whether a raw word is capitalised like a proper noun.
func isEntity(word string) bool {
	word = strings.Trim(word, trimChars)
	runes := []rune(word)
	if len(runes) < 2 || !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if unicode.IsLower(r) {
			return true
		}
	}
	return false
}

// endsSentence reports whether a raw word closes a sentence.
func endsSentence(word string) bool {
	return strings.HasSuffix(word, ".") || strings.HasSuffix(word, "?") || strings.HasSuffix(word, "!")
}
