package providers

import (
	"context"
	"log/slog"

	"google.golang.org/genai"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// Gemini adapts the GenAI SDK's streaming API. Usage arrives on the
// chunks themselves rather than as a trailing event, so the adapter
// forwards it as a nested model-metadata event once the stream ends.
type Gemini struct {
	client       *genai.Client
	defaultModel string
	log          *slog.Logger
}

// NewGemini wires the adapter.
func NewGemini(client *genai.Client, defaultModel string, log *slog.Logger) *Gemini {
	if log == nil {
		log = slog.Default()
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.5-flash"
	}
	return &Gemini{client: client, defaultModel: defaultModel, log: log}
}

func (g *Gemini) Name() string         { return "gemini" }
func (g *Gemini) DefaultModel() string { return g.defaultModel }

// Stream opens a GenerateContentStream call and pumps raw events.
func (g *Gemini) Stream(ctx context.Context, req StreamRequest) (<-chan RawEvent, error) {
	model := req.ModelID
	if model == "" {
		model = g.defaultModel
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.InputSchema,
			})
		}
		cfg.Tools = []*genai.Tool{tool}
	}

	contents := toGeminiContents(req.Messages)
	events := make(chan RawEvent, 64)
	go g.pump(ctx, model, contents, cfg, events)
	return events, nil
}

func toGeminiContents(msgs []store.Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == store.RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		for _, b := range m.Content {
			switch {
			case b.IsText():
				parts = append(parts, genai.NewPartFromText(b.Text))
			case b.ToolUse != nil:
				parts = append(parts, genai.NewPartFromFunctionCall(b.ToolUse.Name, b.ToolUse.Input))
			case b.ToolResult != nil:
				parts = append(parts, genai.NewPartFromFunctionResponse(b.ToolResult.ToolUseID, map[string]any{
					"output": flattenText(b.ToolResult.Content),
				}))
			case b.Image != nil:
				parts = append(parts, genai.NewPartFromBytes(b.Image.Bytes, "image/"+b.Image.Format))
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, genai.NewContentFromParts(parts, role))
	}
	return out
}

func (g *Gemini) pump(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig, events chan<- RawEvent) {
	defer close(events)

	send := func(ev RawEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(RawEvent{"messageStart": map[string]any{"role": "assistant"}}) {
		return
	}

	var usage *genai.GenerateContentResponseUsageMetadata
	sawToolCall := false

	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			g.log.Warn("gemini stream error", "error", err)
			send(errorEvent(err))
			return
		}
		if resp.UsageMetadata != nil {
			usage = resp.UsageMetadata
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					sawToolCall = true
					if !send(RawEvent{"contentBlockStart": map[string]any{
						"start": map[string]any{
							"toolUse": map[string]any{
								"toolUseId": part.FunctionCall.ID,
								"name":      part.FunctionCall.Name,
								"input":     part.FunctionCall.Args,
							},
						},
					}}) {
						return
					}
					if !send(RawEvent{"contentBlockStop": map[string]any{}}) {
						return
					}
				case part.Text != "":
					if !send(RawEvent{"contentBlockDelta": map[string]any{
						"delta": map[string]any{"text": part.Text},
					}}) {
						return
					}
				}
			}
		}
	}

	stop := "end_turn"
	if sawToolCall {
		stop = "tool_use"
	}
	if !send(RawEvent{"messageStop": map[string]any{"stopReason": stop}}) {
		return
	}
	if usage != nil {
		// Nested model-metadata shape; the processor's inner-event
		// extraction path picks this up.
		send(RawEvent{"event": map[string]any{
			"modelMetadataEvent": map[string]any{
				"usage": map[string]any{
					"inputTokens":          int(usage.PromptTokenCount),
					"outputTokens":         int(usage.CandidatesTokenCount),
					"totalTokens":          int(usage.TotalTokenCount),
					"cacheReadInputTokens": int(usage.CachedContentTokenCount),
				},
			},
		}})
	}
}
