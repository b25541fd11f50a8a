package rag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// DefaultEmbedModel is the Titan text embedding model.
const DefaultEmbedModel = "amazon.titan-embed-text-v2:0"

// modelInvoker matches the subset of *bedrockruntime.Client the
// embedder calls.
type modelInvoker interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// TitanEmbedder embeds query text through Bedrock's Titan model.
type TitanEmbedder struct {
	client  modelInvoker
	modelID string
}

// NewTitanEmbedder wires the embedder. modelID "" uses the default.
func NewTitanEmbedder(client *bedrockruntime.Client, modelID string) *TitanEmbedder {
	return newTitanEmbedder(client, modelID)
}

func newTitanEmbedder(client modelInvoker, modelID string) *TitanEmbedder {
	if modelID == "" {
		modelID = DefaultEmbedModel
	}
	return &TitanEmbedder{client: client, modelID: modelID}
}

func (e *TitanEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{"inputText": text})
	if err != nil {
		return nil, err
	}
	contentType := "application/json"
	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &e.modelID,
		Body:        body,
		ContentType: &contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", e.modelID, err)
	}
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return resp.Embedding, nil
}
