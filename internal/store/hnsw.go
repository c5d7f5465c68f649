package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
	"github.com/x448/float16"

	localdberrors "github.com/kiryaka/localdb/internal/errors"
)

// HNSWVectorStore is a VectorStore backed by coder/hnsw, a pure-Go HNSW graph
// with no CGO dependency. It stores embeddings under an internal uint64 key
// and keeps a two-way mapping back to the caller's string chunk IDs, since
// the graph itself only knows about keys.
type HNSWVectorStore struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorStoreConfig

	idMap   map[string]uint64 // chunk ID -> graph key
	keyMap  map[uint64]string // graph key -> chunk ID
	nextKey uint64

	closed bool
}

// vectorStoreMetadata is the persisted side-table gob-encodes alongside the
// graph file: the key mapping and config needed to rehydrate a store
// without re-adding every vector.
type vectorStoreMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  VectorStoreConfig
}

// NewHNSWVectorStore builds an empty HNSW-backed vector store from cfg. A
// zero Metric, M or EfSearch falls back to "cos", 16 or 20 respectively,
// which are not DefaultVectorStoreConfig's values.
func NewHNSWVectorStore(cfg VectorStoreConfig) (*HNSWVectorStore, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}

	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	// coder/hnsw has no separate construction-time search-width knob the way
	// other HNSW libraries' EfConstruction sizes their build pass; Ml (level generation
	// factor) is the closest analog, and 1/ln(M) is the library's own
	// recommended default. cfg.EfConstruction still round-trips through
	// VectorStoreConfig so index-build sizing stays comparable across a
	// future swap back to a library that does honor it.
	graph.Ml = 1 / math.Log(float64(cfg.M))

	return &HNSWVectorStore{
		graph:   graph,
		config:  cfg,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		nextKey: 0,
	}, nil
}

// Add inserts vectors with their IDs, replacing any ID that already exists.
func (s *HNSWVectorStore) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return localdberrors.ShapeError(fmt.Sprintf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return localdberrors.VectorIndexUnavailable("store is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, id := range ids {
		// An existing ID is replaced via lazy deletion: orphan its mapping
		// rather than calling graph.Delete, which mishandles removal of the
		// graph's last remaining node.
		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := prepareVector(vectors[i], s.config)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}

	return nil
}

// Search finds the k nearest neighbors of query.
func (s *HNSWVectorStore) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, localdberrors.VectorIndexUnavailable("store is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	q := prepareVector(query, s.config)
	nodes := s.graph.Search(q, k)

	results := make([]*VectorResult, 0, len(nodes))
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			// Lazily-deleted node still resident in the graph; skip it.
			continue
		}
		distance := s.graph.Distance(q, node.Value)
		results = append(results, &VectorResult{
			ID:       id,
			Distance: distance,
			Score:    distanceToScore(distance, s.config.Metric),
		})
	}

	return results, nil
}

// Delete removes vectors by ID via the same lazy-deletion strategy Add uses
// for replacement: the node stays in the graph, but its mapping is dropped
// so Search can no longer surface it.
func (s *HNSWVectorStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return localdberrors.VectorIndexUnavailable("store is closed")
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}

	return nil
}

// AllIDs returns every live chunk ID in the store, for consistency checks
// against the columnar store's embeddings table.
func (s *HNSWVectorStore) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}

	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether id has a live mapping.
func (s *HNSWVectorStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, exists := s.idMap[id]
	return exists
}

// Count returns the number of live (non-orphaned) vectors.
func (s *HNSWVectorStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0
	}
	return len(s.idMap)
}

// VectorStoreStats reports graph occupancy, including orphans accumulated by
// lazy deletion, so a maintenance pass can decide whether a rebuild is worth
// the cost of a full re-add.
type VectorStoreStats struct {
	ValidIDs   int
	GraphNodes int
	Orphans    int
}

// Stats computes VectorStoreStats for the current store.
func (s *HNSWVectorStore) Stats() VectorStoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return VectorStoreStats{}
	}

	validIDs := len(s.idMap)
	graphNodes := s.graph.Len()
	return VectorStoreStats{
		ValidIDs:   validIDs,
		GraphNodes: graphNodes,
		Orphans:    graphNodes - validIDs,
	}
}

// Save persists the graph and its ID mapping to path (graph) and path+".meta"
// (mapping), both written via a temp-file-then-rename so a crash mid-write
// never leaves a half-written file at the canonical path.
func (s *HNSWVectorStore) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return localdberrors.VectorIndexUnavailable("store is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return localdberrors.IOError("creating index directory", err)
	}

	tmpIndexPath := path + ".tmp"
	file, err := os.Create(tmpIndexPath)
	if err != nil {
		return localdberrors.IOError("creating index file", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpIndexPath)
		return localdberrors.IOError("exporting graph", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpIndexPath)
		return localdberrors.IOError("closing index file", err)
	}
	if err := os.Rename(tmpIndexPath, path); err != nil {
		os.Remove(tmpIndexPath)
		return localdberrors.IOError("renaming index file into place", err)
	}

	if err := s.saveMetadata(path + ".meta"); err != nil {
		return localdberrors.IOError("saving index metadata", err)
	}

	return nil
}

func (s *HNSWVectorStore) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}

	meta := vectorStoreMetadata{IDMap: s.idMap, NextKey: s.nextKey, Config: s.config}

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(meta); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("closing temp metadata file during cleanup", "error", closeErr)
		}
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

// Load replaces the store's graph and mapping with what was previously
// Saved at path.
func (s *HNSWVectorStore) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return localdberrors.VectorIndexUnavailable("store is closed")
	}

	if err := s.loadMetadata(path + ".meta"); err != nil {
		return localdberrors.IOError("loading index metadata", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return localdberrors.IOError("opening index file", err)
	}
	defer file.Close()

	// coder/hnsw's Import wants an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return localdberrors.IOError("importing graph", err)
	}

	return nil
}

func (s *HNSWVectorStore) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("closing metadata file", "error", err)
		}
	}()

	var meta vectorStoreMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	s.nextKey = meta.NextKey
	s.config = meta.Config
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}

	return nil
}

// Close releases the store. coder/hnsw's Graph needs no explicit teardown;
// dropping the reference is enough to let it be collected.
func (s *HNSWVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// ReadVectorStoreDimensions reads the configured dimension out of an
// existing store's metadata file without loading the (possibly large) graph
// itself, so the index builder can detect a dimension change before
// committing to a full rebuild. Returns 0, nil if no store exists yet at
// vectorPath.
func ReadVectorStoreDimensions(vectorPath string) (int, error) {
	file, err := os.Open(vectorPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, localdberrors.IOError("opening vector store metadata", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("closing vector store metadata", "error", err)
		}
	}()

	var meta vectorStoreMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return 0, localdberrors.IOError("decoding vector store metadata", err)
	}

	return meta.Config.Dimensions, nil
}

var _ VectorStore = (*HNSWVectorStore)(nil)

// prepareVector returns a copy of v ready for graph storage/search: always
// L2-normalized under the cosine metric (coder/hnsw's CosineDistance expects
// unit vectors), and additionally round-tripped through IEEE-754 binary16
// under VectorStoreConfig.Quantization == "f16" to emulate the precision
// loss a half-precision-backed store would pay, while coder/hnsw's graph
// itself still operates on float32 throughout.
func prepareVector(v []float32, cfg VectorStoreConfig) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	if cfg.Metric == "cos" {
		normalizeVectorInPlace(out)
	}
	if cfg.Quantization == "f16" {
		quantizeF16InPlace(out)
	}
	return out
}

func quantizeF16InPlace(v []float32) {
	for i, x := range v {
		v[i] = float16.Fromfloat32(x).Float32()
	}
}

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts a raw distance into a 0-1 similarity score.
func distanceToScore(distance float32, metric string) float32 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + distance)
	default:
		// Cosine distance ranges 0 (identical) to 2 (opposite).
		return 1.0 - distance/2.0
	}
}
