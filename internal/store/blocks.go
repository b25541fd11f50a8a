package store

import (
	"encoding/json"
)

// ContentBlock is a tagged union: exactly one of Text, ToolUse,
// ToolResult, Image, Document — or Unknown, which preserves the
// original JSON of block types this runtime does not model yet so
// they pass through to clients unchanged.
type ContentBlock struct {
	Text       string           `json:"-"`
	ToolUse    *ToolUseBlock    `json:"-"`
	ToolResult *ToolResultBlock `json:"-"`
	Image      *ImageBlock      `json:"-"`
	Document   *DocumentBlock   `json:"-"`
	Unknown    json.RawMessage  `json:"-"`

	hasText bool
}

// ToolUseBlock is a model-requested tool invocation.
type ToolUseBlock struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// ToolResultBlock carries a tool execution result back to the model.
type ToolResultBlock struct {
	ToolUseID string         `json:"toolUseId"`
	Content   []ContentBlock `json:"content"`
}

// ImageBlock is inline image data. Bytes round-trip as base64.
type ImageBlock struct {
	Format string `json:"format"`
	Bytes  []byte `json:"bytes"`
}

// DocumentBlock is an inline document attachment.
type DocumentBlock struct {
	Format string `json:"format"`
	Name   string `json:"name"`
	Bytes  []byte `json:"bytes"`
}

// TextBlock builds a text content block. An empty string is a valid
// text block (distinct from an absent one).
func TextBlock(text string) ContentBlock {
	return ContentBlock{Text: text, hasText: true}
}

// IsText reports whether the block is a text block.
func (b ContentBlock) IsText() bool { return b.hasText }

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch {
	case b.hasText:
		return json.Marshal(map[string]string{"text": b.Text})
	case b.ToolUse != nil:
		return json.Marshal(map[string]*ToolUseBlock{"toolUse": b.ToolUse})
	case b.ToolResult != nil:
		return json.Marshal(map[string]*ToolResultBlock{"toolResult": b.ToolResult})
	case b.Image != nil:
		return json.Marshal(map[string]*ImageBlock{"image": b.Image})
	case b.Document != nil:
		return json.Marshal(map[string]*DocumentBlock{"document": b.Document})
	case len(b.Unknown) > 0:
		return b.Unknown, nil
	default:
		return []byte("{}"), nil
	}
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if raw, ok := probe["text"]; ok {
		b.hasText = true
		return json.Unmarshal(raw, &b.Text)
	}
	if raw, ok := probe["toolUse"]; ok {
		b.ToolUse = &ToolUseBlock{}
		return json.Unmarshal(raw, b.ToolUse)
	}
	if raw, ok := probe["toolResult"]; ok {
		b.ToolResult = &ToolResultBlock{}
		return json.Unmarshal(raw, b.ToolResult)
	}
	if raw, ok := probe["image"]; ok {
		b.Image = &ImageBlock{}
		return json.Unmarshal(raw, b.Image)
	}
	if raw, ok := probe["document"]; ok {
		b.Document = &DocumentBlock{}
		return json.Unmarshal(raw, b.Document)
	}
	// Unrecognized block type: keep the original JSON verbatim.
	b.Unknown = append(json.RawMessage(nil), data...)
	return nil
}
