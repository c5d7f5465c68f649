package embed

const (
	// DefaultModel names the model directory's weights for ProviderID
	// purposes; it does not select a download, since the real provider only
	// ever loads from a local directory.
	DefaultModel = "bge-m3"
)

// RealConfig configures the locally-loaded real Provider: a tokenizer.json,
// a config.json (read for hidden_size when Dim is 0), and a model.onnx, all
// in ModelDir.
type RealConfig struct {
	ModelDir  string
	Model     string
	Dim       int // 0 = read hidden_size from ModelDir/config.json
	MaxLen    int
	BatchSize int
}

// DefaultRealConfig returns the baseline configuration for a real Provider.
func DefaultRealConfig() RealConfig {
	return RealConfig{
		Model:     DefaultModel,
		MaxLen:    DefaultMaxLen,
		BatchSize: DefaultBatchSize,
	}
}
