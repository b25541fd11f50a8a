package events

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteSSEFraming(t *testing.T) {
	var buf bytes.Buffer
	ev := New(TypeContentBlockDelta, map[string]any{"contentBlockIndex": 0, "text": "hi"})
	if err := WriteSSE(&buf, nil, ev); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	got := buf.String()
	if !strings.HasPrefix(got, "event: content_block_delta\ndata: ") {
		t.Fatalf("bad frame prefix: %q", got)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("frame not terminated by blank line: %q", got)
	}
	if !strings.Contains(got, `"text":"hi"`) {
		t.Fatalf("payload missing: %q", got)
	}
}

func TestDoneHasEmptyData(t *testing.T) {
	if got := string(Done().MarshalData()); got != "{}" {
		t.Fatalf("done payload = %q, want {}", got)
	}
}

func TestErrorCarriesCode(t *testing.T) {
	ev := Error(CodeStreamError, "boom")
	if ev.Type != TypeError {
		t.Fatalf("type = %q", ev.Type)
	}
	if ev.Data["code"] != CodeStreamError || ev.Data["error"] != "boom" {
		t.Fatalf("data = %v", ev.Data)
	}
}

func TestMarshalDataFallbackOnUnserializable(t *testing.T) {
	ev := New(TypeMetadata, map[string]any{"ch": make(chan int)})
	got := string(ev.MarshalData())
	if !strings.Contains(got, CodeStreamError) {
		t.Fatalf("fallback payload missing error code: %q", got)
	}
}
