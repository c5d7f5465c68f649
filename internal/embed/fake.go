package embed

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// Weights for the fake provider's hash-bucket vector generation.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// commonStopWords filters a handful of low-signal tokens so the fake
// vector isn't dominated by function words; this has no bearing on
// determinism, only on how discriminating the fake embedding is.
var commonStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "is": true, "it": true,
}

// FakeProvider is the deterministic hash-based provider: it hashes tokens
// into D buckets with a stable 64-bit hasher and L2-normalizes the
// result. It requires no model download and is selected when
// APP_USE_FAKE_EMBEDDINGS is set.
type FakeProvider struct {
	dim    int
	maxLen int

	mu     sync.RWMutex
	closed bool
}

var _ Provider = (*FakeProvider)(nil)

// NewFakeProvider returns a fake provider producing dim-length vectors.
func NewFakeProvider(dim int) *FakeProvider {
	if dim <= 0 {
		dim = FakeDim
	}
	return &FakeProvider{dim: dim, maxLen: DefaultMaxLen}
}

func (p *FakeProvider) ProviderID() string {
	return fmt.Sprintf("fake:hash64:d%d", p.dim)
}

func (p *FakeProvider) Dim() int    { return p.dim }
func (p *FakeProvider) MaxLen() int { return p.maxLen }

// EmbedBatch hashes tokens and character n-grams of each text into p.dim
// buckets, then L2-normalizes. Output is bit-stable: the hash, the bucket
// weights, and the normalization are all pure functions of the input text.
func (p *FakeProvider) EmbedBatch(texts []string) ([][]float32, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("provider is closed")
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embedOne(text)
	}
	return out, nil
}

func (p *FakeProvider) embedOne(text string) []float32 {
	truncated := truncateTokens(text, p.maxLen)

	vector := make([]float32, p.dim)
	for _, token := range filterStopWords(tokenize(truncated)) {
		vector[hashToIndex(token, p.dim)] += tokenWeight
	}
	for _, ngram := range extractNgrams(normalizeForNgrams(truncated), ngramSize) {
		vector[hashToIndex(ngram, p.dim)] += ngramWeight
	}
	return normalizeVector(vector)
}

func (p *FakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// truncateTokens caps text to maxLen whitespace-delimited tokens, mirroring
// how the real provider truncates overlong input before pooling.
func truncateTokens(text string, maxLen int) string {
	if maxLen <= 0 {
		return text
	}
	fields := strings.Fields(text)
	if len(fields) <= maxLen {
		return text
	}
	return strings.Join(fields[:maxLen], " ")
}

// tokenize splits text into lowercase alphanumeric tokens, further
// splitting snake_case and camelCase boundaries.
func tokenize(text string) []string {
	var tokens []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		for _, t := range splitCompoundToken(word) {
			if lower := strings.ToLower(t); lower != "" {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

func splitCompoundToken(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamelCase(part)...)
			}
		}
		return result
	}
	return splitCamelCase(token)
}

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
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

func filterStopWords(tokens []string) []string {
	var filtered []string
	for _, t := range tokens {
		if !commonStopWords[t] {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

func normalizeForNgrams(text string) string {
	var result strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}
