package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net"

	ports "github.com/ZanzyTHEbar/support-agent/sagent/agent/ports"
	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEmbedder implements Embedder with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	batchSize int
	limiter   ports.RateLimiter
}

type OpenAIEmbedderOptions struct {
	APIKey    string
	BaseURL   string
	Model     string
	BatchSize int
}

func NewOpenAIEmbedder(opts OpenAIEmbedderOptions, limiter ports.RateLimiter) *OpenAIEmbedder {
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	model := opts.Model
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 64
	}
	return &OpenAIEmbedder{client: &client, model: model, batchSize: batch, limiter: limiter}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		if err := e.embedBatch(ctx, texts[start:end], out[start:end]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string, dst [][]float64) error {
	if e.limiter != nil {
		release, err := e.limiter.Acquire(ctx, "openai-embeddings")
		if err != nil {
			return errx.Wrap(errx.Classify(err), "embed", err)
		}
		defer release()
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return errx.FromHTTPStatus("embed", apiErr.StatusCode, err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return errx.Transient("embed", err)
		}
		return errx.Wrap(errx.Classify(err), "embed", err)
	}
	if len(resp.Data) != len(texts) {
		return errx.Terminal("embed", fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(dst) {
			return errx.Terminal("embed", fmt.Errorf("embedding index %d out of range", d.Index))
		}
		dst[d.Index] = d.Embedding
	}
	return nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)
