package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// BedrockRuntime is the subset of *bedrockruntime.Client the adapter
// calls; tests substitute a fake.
type BedrockRuntime interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Bedrock adapts the Converse streaming API onto the raw event
// protocol. Bedrock's own event names are already the protocol's
// vocabulary, so translation is mostly mechanical.
type Bedrock struct {
	client       BedrockRuntime
	defaultModel string
	log          *slog.Logger
}

// NewBedrock wires the adapter.
func NewBedrock(client BedrockRuntime, defaultModel string, log *slog.Logger) *Bedrock {
	if log == nil {
		log = slog.Default()
	}
	return &Bedrock{client: client, defaultModel: defaultModel, log: log}
}

func (b *Bedrock) Name() string         { return "bedrock" }
func (b *Bedrock) DefaultModel() string { return b.defaultModel }

// Stream opens a ConverseStream call and pumps its events as raw maps.
func (b *Bedrock) Stream(ctx context.Context, req StreamRequest) (<-chan RawEvent, error) {
	input, err := b.buildInput(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock request: %w", err)
	}
	out, err := b.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}

	events := make(chan RawEvent, 64)
	go b.pump(ctx, out, events)
	return events, nil
}

func (b *Bedrock) buildInput(req StreamRequest) (*bedrockruntime.ConverseStreamInput, error) {
	modelID := req.ModelID
	if modelID == "" {
		modelID = b.defaultModel
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(modelID),
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		cfg := &brtypes.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature != nil {
			cfg.Temperature = aws.Float32(float32(*req.Temperature))
		}
		input.InferenceConfig = cfg
	}
	if len(req.Tools) > 0 {
		var tools []brtypes.Tool
		for _, t := range req.Tools {
			tools = append(tools, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &brtypes.ToolInputSchemaMemberJson{
						Value: document.NewLazyDocument(t.InputSchema),
					},
				},
			})
		}
		input.ToolConfig = &brtypes.ToolConfiguration{Tools: tools}
	}

	for _, m := range req.Messages {
		role := brtypes.ConversationRoleUser
		if m.Role == store.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		content, err := toBedrockBlocks(m.Content)
		if err != nil {
			return nil, err
		}
		input.Messages = append(input.Messages, brtypes.Message{Role: role, Content: content})
	}
	return input, nil
}

func toBedrockBlocks(blocks []store.ContentBlock) ([]brtypes.ContentBlock, error) {
	var out []brtypes.ContentBlock
	for _, blk := range blocks {
		switch {
		case blk.IsText():
			out = append(out, &brtypes.ContentBlockMemberText{Value: blk.Text})
		case blk.ToolUse != nil:
			out = append(out, &brtypes.ContentBlockMemberToolUse{
				Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(blk.ToolUse.ToolUseID),
					Name:      aws.String(blk.ToolUse.Name),
					Input:     document.NewLazyDocument(blk.ToolUse.Input),
				},
			})
		case blk.ToolResult != nil:
			inner, err := toBedrockResultBlocks(blk.ToolResult.Content)
			if err != nil {
				return nil, err
			}
			out = append(out, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(blk.ToolResult.ToolUseID),
					Content:   inner,
					Status:    brtypes.ToolResultStatusSuccess,
				},
			})
		case blk.Image != nil:
			out = append(out, &brtypes.ContentBlockMemberImage{
				Value: brtypes.ImageBlock{
					Format: brtypes.ImageFormat(blk.Image.Format),
					Source: &brtypes.ImageSourceMemberBytes{Value: blk.Image.Bytes},
				},
			})
		case blk.Document != nil:
			out = append(out, &brtypes.ContentBlockMemberDocument{
				Value: brtypes.DocumentBlock{
					Format: brtypes.DocumentFormat(blk.Document.Format),
					Name:   aws.String(blk.Document.Name),
					Source: &brtypes.DocumentSourceMemberBytes{Value: blk.Document.Bytes},
				},
			})
		default:
			// Unknown block variants are history-only; skip on the wire.
		}
	}
	return out, nil
}

func toBedrockResultBlocks(blocks []store.ContentBlock) ([]brtypes.ToolResultContentBlock, error) {
	var out []brtypes.ToolResultContentBlock
	for _, blk := range blocks {
		if blk.IsText() {
			out = append(out, &brtypes.ToolResultContentBlockMemberText{Value: blk.Text})
		}
	}
	return out, nil
}

// pump translates SDK stream events into raw maps. Metadata arrives
// after MessageStop, so the loop keeps draining until the SDK closes
// the stream.
func (b *Bedrock) pump(ctx context.Context, out *bedrockruntime.ConverseStreamOutput, events chan<- RawEvent) {
	defer close(events)
	stream := out.GetStream()
	defer stream.Close()

	send := func(ev RawEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for event := range stream.Events() {
		switch e := event.(type) {
		case *brtypes.ConverseStreamOutputMemberMessageStart:
			if !send(RawEvent{"messageStart": map[string]any{
				"role": string(e.Value.Role),
			}}) {
				return
			}

		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			payload := map[string]any{
				"contentBlockIndex": int(aws.ToInt32(e.Value.ContentBlockIndex)),
			}
			if start, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				payload["start"] = map[string]any{
					"toolUse": map[string]any{
						"toolUseId": aws.ToString(start.Value.ToolUseId),
						"name":      aws.ToString(start.Value.Name),
					},
				}
			}
			if !send(RawEvent{"contentBlockStart": payload}) {
				return
			}

		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			payload := map[string]any{
				"contentBlockIndex": int(aws.ToInt32(e.Value.ContentBlockIndex)),
			}
			switch delta := e.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				payload["delta"] = map[string]any{"text": delta.Value}
			case *brtypes.ContentBlockDeltaMemberToolUse:
				payload["delta"] = map[string]any{
					"toolUse": map[string]any{"input": aws.ToString(delta.Value.Input)},
				}
			case *brtypes.ContentBlockDeltaMemberReasoningContent:
				if rc, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok {
					payload["delta"] = map[string]any{
						"reasoningContent": map[string]any{"text": rc.Value},
					}
				}
			}
			if !send(RawEvent{"contentBlockDelta": payload}) {
				return
			}

		case *brtypes.ConverseStreamOutputMemberContentBlockStop:
			if !send(RawEvent{"contentBlockStop": map[string]any{
				"contentBlockIndex": int(aws.ToInt32(e.Value.ContentBlockIndex)),
			}}) {
				return
			}

		case *brtypes.ConverseStreamOutputMemberMessageStop:
			if !send(RawEvent{"messageStop": map[string]any{
				"stopReason": string(e.Value.StopReason),
			}}) {
				return
			}
			// Metadata follows MessageStop; keep draining.

		case *brtypes.ConverseStreamOutputMemberMetadata:
			if !send(RawEvent{"metadata": metadataPayload(e.Value)}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		b.log.Warn("bedrock stream error", "error", err)
		send(errorEvent(err))
	}
}

// metadataPayload maps the terminal metadata event. Cache token counts
// are optional in the SDK type and only forwarded when present, so
// downstream consumers can tell "zero" from "not reported".
func metadataPayload(m brtypes.ConverseStreamMetadataEvent) map[string]any {
	payload := map[string]any{}
	if m.Usage != nil {
		usage := map[string]any{
			"inputTokens":  int(aws.ToInt32(m.Usage.InputTokens)),
			"outputTokens": int(aws.ToInt32(m.Usage.OutputTokens)),
			"totalTokens":  int(aws.ToInt32(m.Usage.TotalTokens)),
		}
		if m.Usage.CacheReadInputTokens != nil {
			usage["cacheReadInputTokens"] = int(*m.Usage.CacheReadInputTokens)
		}
		if m.Usage.CacheWriteInputTokens != nil {
			usage["cacheWriteInputTokens"] = int(*m.Usage.CacheWriteInputTokens)
		}
		payload["usage"] = usage
	}
	if m.Metrics != nil {
		payload["metrics"] = map[string]any{
			"latencyMs": aws.ToInt64(m.Metrics.LatencyMs),
		}
	}
	return payload
}
