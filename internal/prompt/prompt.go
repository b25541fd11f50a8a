// Package prompt assembles the next-turn user message from text plus
// file attachments.
package prompt

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// Attachment is one uploaded file.
type Attachment struct {
	Name        string
	ContentType string
	Bytes       []byte
}

// Image formats the model backends accept.
var imageFormats = map[string]bool{
	"png": true, "jpeg": true, "gif": true, "webp": true,
}

// Document formats the model backends accept.
var documentFormats = map[string]bool{
	"pdf": true, "csv": true, "doc": true, "docx": true,
	"xls": true, "xlsx": true, "html": true, "txt": true, "md": true,
}

var docNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\-\(\)\[\] ]`)

// Builder classifies attachments into content blocks.
type Builder struct {
	log *slog.Logger
}

func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{log: log}
}

// Build produces the content-block list for one user turn. Text-only
// input passes straight through; attachments get a leading audit
// marker so the stored history stays self-describing.
func (b *Builder) Build(text string, attachments []Attachment) []store.ContentBlock {
	if len(attachments) == 0 {
		return []store.ContentBlock{store.TextBlock(text)}
	}

	names := make([]string, len(attachments))
	for i, a := range attachments {
		names[i] = a.Name
	}
	lead := fmt.Sprintf("%s\n\n[Attached files: %s]", text, strings.Join(names, ", "))
	out := []store.ContentBlock{store.TextBlock(lead)}

	for _, a := range attachments {
		block, ok := b.classify(a)
		if !ok {
			b.log.Warn("unsupported attachment skipped",
				"name", a.Name, "content_type", a.ContentType)
			continue
		}
		out = append(out, block)
	}
	return out
}

// classify maps one attachment onto an image or document block by
// content type first, filename extension second.
func (b *Builder) classify(a Attachment) (store.ContentBlock, bool) {
	format := formatOf(a)
	switch {
	case imageFormats[format]:
		return store.ContentBlock{Image: &store.ImageBlock{
			Format: format,
			Bytes:  a.Bytes,
		}}, true
	case documentFormats[format]:
		return store.ContentBlock{Document: &store.DocumentBlock{
			Format: format,
			Name:   SanitizeDocumentName(a.Name),
			Bytes:  a.Bytes,
		}}, true
	default:
		return store.ContentBlock{}, false
	}
}

func formatOf(a Attachment) string {
	ct := strings.ToLower(a.ContentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		f := strings.TrimPrefix(ct, "image/")
		if f == "jpg" {
			f = "jpeg"
		}
		return f
	case ct == "application/pdf":
		return "pdf"
	case ct == "text/csv":
		return "csv"
	case ct == "text/html":
		return "html"
	case ct == "text/markdown":
		return "md"
	case strings.HasPrefix(ct, "text/"):
		return "txt"
	case strings.Contains(ct, "wordprocessingml"):
		return "docx"
	case strings.Contains(ct, "spreadsheetml"):
		return "xlsx"
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(a.Name)), ".")
	if ext == "jpg" {
		ext = "jpeg"
	}
	return ext
}

// SanitizeDocumentName strips characters the model backends reject
// from document filenames and drops the extension.
func SanitizeDocumentName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	clean := docNameSanitizer.ReplaceAllString(base, " ")
	clean = strings.Join(strings.Fields(clean), " ")
	if clean == "" {
		clean = "document"
	}
	return clean
}
