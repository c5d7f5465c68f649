package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	localdberrors "github.com/kiryaka/localdb/internal/errors"
)

// ortEnvOnce guards onnxruntime's process-wide environment, which may only
// be initialized once regardless of how many RealProviders get constructed.
var (
	ortEnvOnce sync.Once
	ortEnvErr  error
)

func ensureONNXEnvironment() error {
	ortEnvOnce.Do(func() {
		ortEnvErr = ort.InitializeEnvironment()
	})
	return ortEnvErr
}

// RealProvider embeds text with a local ONNX export of an XLM-R/BGE-M3
// class model: a daulet/tokenizers tokenizer produces token ids and an
// attention mask, onnxruntime_go runs the forward pass, and MaskedMeanPool
// reduces the resulting hidden states to one L2-normalized vector per input.
type RealProvider struct {
	tokenizer *tokenizers.Tokenizer
	session   *ort.DynamicAdvancedSession
	cfg       RealConfig
	dim       int

	mu     sync.Mutex // onnxruntime sessions serialize Run calls in this wrapper
	closed bool
}

var _ Provider = (*RealProvider)(nil)

// NewRealProvider resolves cfg.ModelDir (falling back to the conventional
// local model locations when it is unset or does not exist), then loads tokenizer.json, reads
// hidden_size from config.json when cfg.Dim is 0, and opens model.onnx as
// an onnxruntime session. A FileLock guards the directory for the duration
// of loading, so two processes racing to start against the same model
// directory do not corrupt each other's read of its files.
func NewRealProvider(ctx context.Context, cfg RealConfig) (*RealProvider, error) {
	if err := ctx.Err(); err != nil {
		return nil, localdberrors.Cancelled(err)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	modelDir, err := resolveModelDir(cfg.ModelDir)
	if err != nil {
		return nil, localdberrors.ProviderError("resolving model directory", err)
	}

	modelLock := NewFileLock(modelDir)
	if err := modelLock.Lock(); err != nil {
		return nil, localdberrors.ProviderError("locking model directory", err)
	}
	defer func() { _ = modelLock.Unlock() }()

	tokenizerPath := filepath.Join(modelDir, "tokenizer.json")
	tok, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, localdberrors.ProviderError(fmt.Sprintf("loading tokenizer from %s", tokenizerPath), err)
	}

	dim := cfg.Dim
	if dim == 0 {
		dim, err = readHiddenSize(filepath.Join(modelDir, "config.json"))
		if err != nil {
			_ = tok.Close()
			return nil, localdberrors.ProviderError("reading model config", err)
		}
	}

	if err := ensureONNXEnvironment(); err != nil {
		_ = tok.Close()
		return nil, localdberrors.ProviderError("initializing ONNX runtime", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		_ = tok.Close()
		return nil, localdberrors.ProviderError("building ONNX session options", err)
	}
	defer opts.Destroy()
	numThreads := runtime.NumCPU()
	if numThreads > 4 {
		numThreads = 4
	}
	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		_ = tok.Close()
		return nil, localdberrors.ProviderError("setting intra-op thread count", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		_ = tok.Close()
		return nil, localdberrors.ProviderError("setting inter-op thread count", err)
	}

	modelPath := filepath.Join(modelDir, "model.onnx")
	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		opts,
	)
	if err != nil {
		_ = tok.Close()
		return nil, localdberrors.ProviderError(fmt.Sprintf("loading ONNX model from %s", modelPath), err)
	}

	return &RealProvider{
		tokenizer: tok,
		session:   session,
		cfg:       cfg,
		dim:       dim,
	}, nil
}

func (p *RealProvider) ProviderID() string {
	return fmt.Sprintf("local:%s:d%d", p.cfg.Model, p.dim)
}

func (p *RealProvider) Dim() int    { return p.dim }
func (p *RealProvider) MaxLen() int { return p.cfg.MaxLen }

// EmbedBatch tokenizes and runs the ONNX forward pass in chunks of
// cfg.BatchSize, padding each chunk to its longest sequence and pooling
// each row's hidden states with MaskedMeanPool.
func (p *RealProvider) EmbedBatch(texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, localdberrors.ProviderError("provider is closed", nil)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := p.embedChunk(texts[start:end])
		if err != nil {
			return nil, localdberrors.EmbedError(fmt.Sprintf("embedding batch [%d:%d]", start, end), err)
		}
		copy(results[start:end], vecs)
	}
	return results, nil
}

// embedChunk runs one forward pass over a chunk no larger than cfg.BatchSize.
// Sequences are tokenized and truncated to cfg.MaxLen, then right-padded to
// the longest sequence actually present in the chunk rather than to
// cfg.MaxLen, so short chunks don't pay for the full attention matrix.
func (p *RealProvider) embedChunk(texts []string) ([][]float32, error) {
	batchSize := len(texts)
	maxCfgLen := p.cfg.MaxLen

	type encoded struct {
		ids  []int64
		mask []int64
	}
	all := make([]encoded, batchSize)
	seqLen := 0
	for i, text := range texts {
		enc := p.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := enc.IDs
		if len(ids) > maxCfgLen {
			ids = ids[:maxCfgLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		all[i] = encoded{ids: ids64, mask: mask64}
		if len(ids64) > seqLen {
			seqLen = len(ids64)
		}
	}
	if seqLen == 0 {
		return nil, fmt.Errorf("all inputs tokenized to zero length")
	}

	flatIDs := make([]int64, batchSize*seqLen)
	flatMask := make([]int64, batchSize*seqLen)
	flatType := make([]int64, batchSize*seqLen)
	masks := make([][]int, batchSize)
	for i, enc := range all {
		copy(flatIDs[i*seqLen:], enc.ids)
		copy(flatMask[i*seqLen:], enc.mask)
		row := make([]int, seqLen)
		for j, m := range enc.mask {
			row[j] = int(m)
		}
		masks[i] = row
	}

	shape := ort.NewShape(int64(batchSize), int64(seqLen))
	inputIDsTensor, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("building input_ids tensor: %w", err)
	}
	defer func() { _ = inputIDsTensor.Destroy() }()

	attentionMaskTensor, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("building attention_mask tensor: %w", err)
	}
	defer func() { _ = attentionMaskTensor.Destroy() }()

	tokenTypeTensor, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("building token_type_ids tensor: %w", err)
	}
	defer func() { _ = tokenTypeTensor.Destroy() }()

	outputs := []ort.Value{nil}
	if err := p.session.Run(
		[]ort.Value{inputIDsTensor, attentionMaskTensor, tokenTypeTensor},
		outputs,
	); err != nil {
		return nil, fmt.Errorf("onnx forward pass failed: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			_ = outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *ort.Tensor[float32])")
	}
	flat := hiddenTensor.GetData()
	outSeqLen := int(hiddenTensor.GetShape()[1])

	out := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		hidden := make([][]float32, outSeqLen)
		for j := 0; j < outSeqLen; j++ {
			offset := (i*outSeqLen + j) * p.dim
			hidden[j] = flat[offset : offset+p.dim]
		}
		out[i] = MaskedMeanPool(hidden, masks[i])
	}
	return out, nil
}

func (p *RealProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.session != nil {
		_ = p.session.Destroy()
	}
	if p.tokenizer != nil {
		_ = p.tokenizer.Close()
	}
	return nil
}

// resolveModelDir honors an explicit dir first, then falls back to the
// conventional local model locations used when running from a repo
// checkout, mirroring the original Rust embedder's resolution order.
func resolveModelDir(dir string) (string, error) {
	if dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	for _, candidate := range []string{
		filepath.Join("..", "models", "bge-m3"),
		filepath.Join("models", "bge-m3"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not locate a local model directory (set embedding.model_dir, APP_MODEL_DIR, or MODEL_DIR)")
}

// readHiddenSize extracts hidden_size from a HuggingFace-style config.json.
func readHiddenSize(configPath string) (int, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return 0, err
	}
	var cfg struct {
		HiddenSize int `json:"hidden_size"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0, err
	}
	if cfg.HiddenSize <= 0 {
		return 0, fmt.Errorf("%s has no positive hidden_size", configPath)
	}
	return cfg.HiddenSize, nil
}
