// Package openai embeds text through the OpenAI embeddings API. Dimensions
// are pinned to 384 via the API's dimensions parameter so stored vectors stay
// interchangeable with the local embedder's.
package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/thinkdrop/user-memory-service/internal/config"
	registryembed "github.com/thinkdrop/user-memory-service/internal/registry/embed"
)

const dimension = 384

func init() {
	registryembed.Register(registryembed.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(_ context.Context, cfg *config.Config) (registryembed.Embedder, error) {
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai embedder: OPENAI_API_KEY is required")
	}
	cc := goopenai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		cc.BaseURL = cfg.OpenAIBaseURL
	}
	model := cfg.OpenAIModelName
	if model == "" {
		model = string(goopenai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: goopenai.NewClientWithConfig(cc),
		model:  model,
	}, nil
}

type OpenAIEmbedder struct {
	client *goopenai.Client
	model  string
}

func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

func (e *OpenAIEmbedder) Dimension() int {
	return dimension
}

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      goopenai.EmbeddingModel(e.model),
		Dimensions: dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	// The API may return results in any order; place by index.
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, fmt.Errorf("openai embed: result index %d out of range", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

var _ registryembed.Embedder = (*OpenAIEmbedder)(nil)
