package embed

import "context"

// NewProvider constructs the Provider selected by useFake. The fake
// provider is mandatory for reproducible tests (APP_USE_FAKE_EMBEDDINGS)
// and is gated at construction time, not per call, matching the original
// implementation's embed_provider/local.rs gating point. realCfg.Dim, if
// zero, defaults to dim so both variants agree on D for a given config.
func NewProvider(ctx context.Context, useFake bool, dim int, realCfg RealConfig) (Provider, error) {
	if useFake {
		return NewFakeProvider(dim), nil
	}
	if realCfg.Dim == 0 {
		realCfg.Dim = dim
	}
	provider, err := NewRealProvider(ctx, realCfg)
	if err != nil {
		return nil, err
	}
	return provider, nil
}
