package rag

import (
	"fmt"
	"strings"
)

// DefaultMaxContextChars bounds the injected context.
const DefaultMaxContextChars = 2000

const contextPreamble = "The following context is retrieved from the assistant's knowledge base. " +
	"Use it to answer the user's question when relevant.\n\n"

// Augment prepends retrieved chunks to the user message. Zero chunks
// return the message unchanged. Chunks are truncated progressively so
// the injected context never exceeds maxContextChars.
func Augment(userMsg string, chunks []Chunk, maxContextChars int) string {
	if len(chunks) == 0 {
		return userMsg
	}
	if maxContextChars <= 0 {
		maxContextChars = DefaultMaxContextChars
	}

	var b strings.Builder
	b.WriteString(contextPreamble)
	remaining := maxContextChars
	wrote := 0
	for i, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		header := fmt.Sprintf("[Context %d]\n", i+1)
		if len(header) >= remaining {
			break
		}
		budget := remaining - len(header) - 1 // trailing newline
		if len(text) > budget {
			text = text[:budget]
		}
		b.WriteString(header)
		b.WriteString(text)
		b.WriteString("\n")
		remaining -= len(header) + len(text) + 1
		wrote++
		if remaining <= 0 {
			break
		}
	}
	if wrote == 0 {
		return userMsg
	}
	b.WriteString("---\nUser Question: ")
	b.WriteString(userMsg)
	return b.String()
}
