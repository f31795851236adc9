package channels

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
)

func TestChunkByWidthUnderLimitIsSingleChunk(t *testing.T) {
	chunks := ChunkByWidth("short message", 100)
	if len(chunks) != 1 || chunks[0] != "short message" {
		t.Fatalf("expected single unchanged chunk, got %v", chunks)
	}
}

func TestChunkByWidthSplitsOnNewlineNearLimit(t *testing.T) {
	content := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := ChunkByWidth(content, 15)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Fatalf("expected first chunk to break at the newline, got %q", chunks[0])
	}
}

func TestChunkByWidthAccountsForWideRunes(t *testing.T) {
	// CJK characters are double-width; a naive byte/rune-count split would
	// pack twice as many into a chunk as the display width allows.
	content := strings.Repeat("漢", 10)
	chunks := ChunkByWidth(content, 10)

	for _, c := range chunks {
		if w := runewidth.StringWidth(c); w > 10 {
			t.Fatalf("chunk %q has display width %d, exceeds limit", c, w)
		}
	}
	if strings.Join(chunks, "") != content {
		t.Fatalf("chunks must reassemble to the original content")
	}
}

func TestChunkByWidthEmptyInput(t *testing.T) {
	if chunks := ChunkByWidth("", 10); chunks != nil {
		t.Fatalf("expected nil for empty input, got %v", chunks)
	}
}
