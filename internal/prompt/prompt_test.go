package prompt

import (
	"strings"
	"testing"
)

func TestTextOnlyPassesThrough(t *testing.T) {
	b := NewBuilder(nil)
	blocks := b.Build("hello", nil)
	if len(blocks) != 1 || blocks[0].Text != "hello" {
		t.Fatalf("blocks = %+v", blocks)
	}
}

func TestAttachmentsGetAuditMarker(t *testing.T) {
	b := NewBuilder(nil)
	blocks := b.Build("look at these", []Attachment{
		{Name: "photo.png", ContentType: "image/png", Bytes: []byte{1, 2}},
		{Name: "report.pdf", ContentType: "application/pdf", Bytes: []byte{3}},
	})
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	if !strings.Contains(blocks[0].Text, "[Attached files: photo.png, report.pdf]") {
		t.Errorf("audit marker missing: %q", blocks[0].Text)
	}
	if blocks[1].Image == nil || blocks[1].Image.Format != "png" {
		t.Errorf("image block = %+v", blocks[1])
	}
	if blocks[2].Document == nil || blocks[2].Document.Format != "pdf" {
		t.Errorf("document block = %+v", blocks[2])
	}
}

func TestClassifyByExtensionWhenContentTypeMissing(t *testing.T) {
	b := NewBuilder(nil)
	blocks := b.Build("x", []Attachment{
		{Name: "data.CSV", ContentType: "application/octet-stream", Bytes: []byte("a,b")},
		{Name: "pic.JPG", ContentType: "", Bytes: []byte{0xff}},
	})
	if blocks[1].Document == nil || blocks[1].Document.Format != "csv" {
		t.Errorf("csv block = %+v", blocks[1])
	}
	if blocks[2].Image == nil || blocks[2].Image.Format != "jpeg" {
		t.Errorf("jpeg block = %+v", blocks[2])
	}
}

func TestUnsupportedAttachmentSkipped(t *testing.T) {
	b := NewBuilder(nil)
	blocks := b.Build("x", []Attachment{
		{Name: "tool.exe", ContentType: "application/octet-stream", Bytes: []byte{0}},
	})
	if len(blocks) != 1 {
		t.Fatalf("unsupported attachment not skipped: %d blocks", len(blocks))
	}
}

func TestSanitizeDocumentName(t *testing.T) {
	cases := map[string]string{
		"Q3_report (final).pdf": "Q3 report (final)",
		"weird***name!!.docx":   "weird name",
		"___.txt":               "document",
	}
	for in, want := range cases {
		if got := SanitizeDocumentName(in); got != want {
			t.Errorf("SanitizeDocumentName(%q) = %q, want %q", in, got, want)
		}
	}
}
