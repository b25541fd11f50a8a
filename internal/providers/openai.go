package providers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/openai/openai-go"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// OpenAI adapts the chat-completions streaming API. Chat completions
// have no content-block indices; the adapter leaves them out and the
// processor's monotonic counter fills them in.
type OpenAI struct {
	client       openai.Client
	defaultModel string
	log          *slog.Logger
}

// NewOpenAI wires the adapter around a configured SDK client.
func NewOpenAI(client openai.Client, defaultModel string, log *slog.Logger) *OpenAI {
	if log == nil {
		log = slog.Default()
	}
	if defaultModel == "" {
		defaultModel = openai.ChatModelGPT4o
	}
	return &OpenAI{client: client, defaultModel: defaultModel, log: log}
}

func (o *OpenAI) Name() string         { return "openai" }
func (o *OpenAI) DefaultModel() string { return o.defaultModel }

// Stream opens a chat-completions stream and pumps raw events.
func (o *OpenAI) Stream(ctx context.Context, req StreamRequest) (<-chan RawEvent, error) {
	params := openai.ChatCompletionNewParams{
		Model:    o.defaultModel,
		Messages: o.buildMessages(req),
	}
	if req.ModelID != "" {
		params.Model = req.ModelID
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.InputSchema),
			},
		})
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	events := make(chan RawEvent, 64)
	go o.pump(ctx, stream, events)
	return events, nil
}

func (o *OpenAI) buildMessages(req StreamRequest) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case store.RoleAssistant:
			var text string
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, b := range m.Content {
				switch {
				case b.IsText():
					text += b.Text
				case b.ToolUse != nil:
					args, _ := json.Marshal(b.ToolUse.Input)
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
						ID: b.ToolUse.ToolUseID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      b.ToolUse.Name,
							Arguments: string(args),
						},
					})
				}
			}
			msg := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if text != "" {
				msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(text),
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		default:
			emitted := false
			for _, b := range m.Content {
				if b.ToolResult != nil {
					out = append(out, openai.ToolMessage(flattenText(b.ToolResult.Content), b.ToolResult.ToolUseID))
					emitted = true
				}
			}
			if !emitted {
				out = append(out, openai.UserMessage(flattenText(m.Content)))
			}
		}
	}
	return out
}

func flattenText(blocks []store.ContentBlock) string {
	var text string
	for _, b := range blocks {
		if b.IsText() {
			text += b.Text
		}
	}
	return text
}

// openAIStream matches *ssestream.Stream[openai.ChatCompletionChunk];
// tests feed canned chunks through a fake.
type openAIStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

func (o *OpenAI) pump(ctx context.Context, stream openAIStream, events chan<- RawEvent) {
	defer close(events)
	defer stream.Close()

	send := func(ev RawEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	started := false
	openTool := false
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if !started {
			started = true
			if !send(RawEvent{"messageStart": map[string]any{"role": "assistant"}}) {
				return
			}
		}

		if len(chunk.Choices) > 0 {
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				if !send(RawEvent{"contentBlockDelta": map[string]any{
					"delta": map[string]any{"text": delta.Content},
				}}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				if tc.Function.Name != "" {
					if openTool {
						if !send(RawEvent{"contentBlockStop": map[string]any{}}) {
							return
						}
					}
					openTool = true
					if !send(RawEvent{"contentBlockStart": map[string]any{
						"start": map[string]any{
							"toolUse": map[string]any{
								"toolUseId": tc.ID,
								"name":      tc.Function.Name,
							},
						},
					}}) {
						return
					}
				}
				if tc.Function.Arguments != "" {
					if !send(RawEvent{"contentBlockDelta": map[string]any{
						"delta": map[string]any{
							"toolUse": map[string]any{"input": tc.Function.Arguments},
						},
					}}) {
						return
					}
				}
			}
			if reason := chunk.Choices[0].FinishReason; reason != "" {
				if openTool {
					openTool = false
					if !send(RawEvent{"contentBlockStop": map[string]any{}}) {
						return
					}
				}
				if !send(RawEvent{"messageStop": map[string]any{
					"stopReason": mapFinishReason(reason),
				}}) {
					return
				}
			}
		}

		// The usage chunk arrives with empty choices after the finish
		// reason when stream_options.include_usage is set.
		if chunk.Usage.TotalTokens > 0 && len(chunk.Choices) == 0 {
			usage := map[string]any{
				"inputTokens":  int(chunk.Usage.PromptTokens),
				"outputTokens": int(chunk.Usage.CompletionTokens),
				"totalTokens":  int(chunk.Usage.TotalTokens),
			}
			if cached := chunk.Usage.PromptTokensDetails.CachedTokens; cached > 0 {
				usage["cacheReadInputTokens"] = int(cached)
			}
			if !send(RawEvent{"metadata": map[string]any{"usage": usage}}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		o.log.Warn("openai stream error", "error", err)
		send(errorEvent(err))
	}
}

func mapFinishReason(reason string) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
