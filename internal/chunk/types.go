package chunk

import "context"

// Chunk is a retrievable unit of content produced by walking a document
// directory. ChunkIndex is contiguous across the whole document;
// TotalChunks is only known once every chunk for the document exists, so
// ChunkFile sets it on every chunk after the document is fully split.
type Chunk struct {
	ID          string // stable id derived from DocID and ChunkIndex
	DocID       string // filename stem
	DocPath     string // absolute path to the source file
	Category    string // facet path derived from the file's parent directory
	Content     string
	ChunkIndex  int
	TotalChunks int
}

// FileInput is a single walked file handed to the chunker.
type FileInput struct {
	Path     string // absolute path
	DocID    string // filename stem
	Category string
	Content  string // already decoded, lossily if necessary
}

// Chunker splits documents into Chunks per the paragraph/word-window policy.
type Chunker interface {
	// ChunkDir walks root and returns every chunk for every selected file,
	// in lexicographic file order. limit, if > 0, caps the number of files
	// considered after sorting.
	ChunkDir(ctx context.Context, root string, limit int) ([]*Chunk, error)

	// ChunkFile splits a single already-read file into chunks with
	// contiguous, document-local ChunkIndex/TotalChunks values.
	ChunkFile(file *FileInput) []*Chunk
}
