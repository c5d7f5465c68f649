package chunk

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	localdberrors "github.com/kiryaka/localdb/internal/errors"
)

const (
	// DefaultMaxTokens is the per-chunk token ceiling before a paragraph
	// is split into word-window sub-chunks.
	DefaultMaxTokens = 500
	// WordsPerChunk is the sub-chunk window size once a paragraph exceeds
	// DefaultMaxTokens.
	WordsPerChunk = 300
	// wordOverlapRatio yields a 60-word overlap at WordsPerChunk=300.
	wordOverlapRatio = 0.2
	// tokensPerWord approximates a language-agnostic token estimate.
	tokensPerWord = 0.75
)

// TextChunker walks a directory of .txt files and splits each into
// paragraph or word-window chunks.
type TextChunker struct {
	MaxTokens     int
	WordsPerChunk int
}

var _ Chunker = (*TextChunker)(nil)

// NewTextChunker returns a chunker configured with the default chunk size
// and overlap.
func NewTextChunker() *TextChunker {
	return &TextChunker{MaxTokens: DefaultMaxTokens, WordsPerChunk: WordsPerChunk}
}

// ChunkDir walks root in lexicographic order, selects regular .txt files,
// and chunks each one in turn.
func (c *TextChunker) ChunkDir(ctx context.Context, root string, limit int) ([]*Chunk, error) {
	files, err := c.walk(root)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(files) {
		files = files[:limit]
	}

	var chunks []*Chunk
	for _, path := range files {
		select {
		case <-ctx.Done():
			return nil, localdberrors.Cancelled(ctx.Err())
		default:
		}

		input, err := c.readFile(root, path)
		if err != nil {
			slog.Warn("skipping unreadable file during chunking", "path", path, "error", err)
			continue
		}
		chunks = append(chunks, c.ChunkFile(input)...)
	}
	return chunks, nil
}

func (c *TextChunker) walk(root string) ([]string, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.ToLower(filepath.Ext(path)) == ".txt" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, localdberrors.IOError(fmt.Sprintf("walking %s", root), err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (c *TextChunker) readFile(root, path string) (*FileInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, localdberrors.IOError(fmt.Sprintf("reading %s", path), err)
	}

	content := raw
	if !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(raw), "�"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	relDir, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil {
		relDir = "."
	}

	return &FileInput{
		Path:     abs,
		DocID:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Category: categoryFor(relDir),
		Content:  string(content),
	}, nil
}

// categoryFor derives the facet path from a file's parent directory,
// relative to the chunking root: two path segments become "/a/b", one
// becomes "/a", and a file directly under the root (or any other shape)
// falls back to "/misc".
func categoryFor(relDir string) string {
	if relDir == "." || relDir == "" {
		return "/misc"
	}
	parts := strings.Split(filepath.ToSlash(relDir), "/")
	switch len(parts) {
	case 1:
		return "/" + parts[0]
	case 2:
		return "/" + parts[0] + "/" + parts[1]
	default:
		return "/misc"
	}
}

// ChunkFile splits one file's content into paragraphs, splitting any
// paragraph over MaxTokens into overlapping word windows, and assigns
// contiguous ChunkIndex/TotalChunks across the whole document.
func (c *TextChunker) ChunkFile(file *FileInput) []*Chunk {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	wordsPerChunk := c.WordsPerChunk
	if wordsPerChunk <= 0 {
		wordsPerChunk = WordsPerChunk
	}
	overlap := int(math.Floor(wordOverlapRatio * float64(wordsPerChunk)))

	var chunks []*Chunk
	for _, para := range splitParagraphs(file.Content) {
		if estimateTokens(para) <= maxTokens {
			chunks = append(chunks, &Chunk{DocID: file.DocID, DocPath: file.Path, Category: file.Category, Content: para})
			continue
		}
		for _, window := range splitWordWindows(para, wordsPerChunk, overlap) {
			chunks = append(chunks, &Chunk{DocID: file.DocID, DocPath: file.Path, Category: file.Category, Content: window})
		}
	}

	total := len(chunks)
	for i, ch := range chunks {
		ch.ChunkIndex = i
		ch.TotalChunks = total
		ch.ID = chunkID(file.DocID, i)
	}
	return chunks
}

// splitParagraphs splits on blank-line boundaries, trims whitespace, and
// drops empties.
func splitParagraphs(content string) []string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var paragraphs []string
	var current strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if current.Len() > 0 {
				paragraphs = append(paragraphs, strings.TrimSpace(current.String()))
				current.Reset()
			}
			continue
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		paragraphs = append(paragraphs, strings.TrimSpace(current.String()))
	}

	out := paragraphs[:0]
	for _, p := range paragraphs {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// estimateTokens approximates token count as ceil(word_count / 0.75), the
// language-agnostic approximation used consistently across this pipeline.
func estimateTokens(text string) int {
	n := len(strings.Fields(text))
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / tokensPerWord))
}

// splitWordWindows splits words into sliding windows of size windowSize
// with overlap words shared between consecutive windows. The final
// window may be short; no window is dropped.
func splitWordWindows(text string, windowSize, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	step := windowSize - overlap
	if step <= 0 {
		step = windowSize
	}

	var windows []string
	for start := 0; start < len(words); start += step {
		end := start + windowSize
		if end > len(words) {
			end = len(words)
		}
		windows = append(windows, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return windows
}

// chunkID builds the globally unique, human-readable chunk id
// "{doc_id}:{chunk_index}".
func chunkID(docID string, index int) string {
	return fmt.Sprintf("%s:%d", docID, index)
}
