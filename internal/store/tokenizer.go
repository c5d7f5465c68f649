package store

import (
	"regexp"
	"strings"
	"unicode"
)

// wordRegex matches alphanumeric runs (including underscores, so an
// identifier's sub-words can be split out afterward).
var wordRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// TokenizeText splits text into lowercase search tokens. Documents mixing
// prose with identifiers (API references, log excerpts, code blocks) get
// their identifiers split on camelCase/PascalCase/snake_case boundaries in
// addition to the usual whitespace/punctuation split, so a query for
// "user id" still matches a document that only spells it "getUserById".
// Tokens shorter than two characters are dropped.
func TokenizeText(text string) []string {
	var tokens []string

	for _, word := range wordRegex.FindAllString(text, -1) {
		for _, part := range splitIdentifier(word) {
			lower := strings.ToLower(part)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}

	return tokens
}

// splitIdentifier splits a single word on snake_case boundaries, then
// camelCase/PascalCase boundaries within each underscore-delimited part.
func splitIdentifier(word string) []string {
	if strings.Contains(word, "_") {
		var result []string
		for _, part := range strings.Split(word, "_") {
			if part != "" {
				result = append(result, splitCamelCase(part)...)
			}
		}
		return result
	}
	return splitCamelCase(word)
}

// splitCamelCase splits camelCase and PascalCase identifiers, keeping
// consecutive uppercase runs (acronyms) together.
//
//	"getUserById"     -> ["get", "User", "By", "Id"]
//	"HTTPHandler"     -> ["HTTP", "Handler"]
//	"parseHTTPRequest -> ["parse", "HTTP", "Request"]
func splitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if (prevIsLower || nextIsLower) && current.Len() > 0 {
				result = append(result, current.String())
				current.Reset()
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

// FilterStopWords drops tokens present in stopWords (case-insensitively).
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[strings.ToLower(token)]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a stop-word slice into a lookup set.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
