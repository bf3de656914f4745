package chunker

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChunk_SmallDocumentIsSingleChunk(t *testing.T) {
	resourceJSON := `{"resourceType":"Observation","id":"obs-1","effectiveDateTime":"2024-01-15"}`
	content := "Cholesterol total 195 mg/dL on 2024-01-15"
	chunks, err := Chunk(resourceJSON, content, DefaultConfig())
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected exactly 1 chunk for small document, got %d", len(chunks))
	}
	if !json.Valid([]byte(chunks[0])) {
		t.Fatalf("single chunk must be valid JSON: %q", chunks[0])
	}
}

func TestChunk_LargeDocumentSplitsAndStaysParseable(t *testing.T) {
	var b strings.Builder
	b.WriteString("{")
	for i := 0; i < 50; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`"field` + itoa(i) + `":"` + strings.Repeat("x", 40) + `"`)
	}
	b.WriteString("}")
	resourceJSON := b.String()

	cfg := Config{MinSize: 100, MaxSize: 300, Overlap: 50}
	chunks, err := Chunk(resourceJSON, "irrelevant fallback text", cfg)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for oversized document, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !json.Valid([]byte(c)) {
			t.Fatalf("chunk %d is not valid JSON: %q", i, c)
		}
		if i < len(chunks)-1 && len(c) > cfg.MaxSize {
			t.Fatalf("chunk %d exceeds max size: %d > %d", i, len(c), cfg.MaxSize)
		}
	}
}

func TestChunk_DeterministicAcrossRuns(t *testing.T) {
	resourceJSON := `{"a":1,"b":2,"c":{"d":3,"e":4},"f":[1,2,3]}`
	cfg := Config{MinSize: 1, MaxSize: 15, Overlap: 0}
	first, err := Chunk(resourceJSON, "fallback", cfg)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	second, err := Chunk(resourceJSON, "fallback", cfg)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("non-deterministic chunk count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("non-deterministic chunk %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestChunk_IrreducibleScalarFallsBackToPlainText(t *testing.T) {
	longString := strings.Repeat("y", 5000)
	resourceJSON := `{"note":"` + longString + `"}`
	content := "A short human readable note that should be used as fallback text for splitting purposes across multiple chunks here."
	cfg := Config{MinSize: 10, MaxSize: 30, Overlap: 5}
	chunks, err := Chunk(resourceJSON, content, cfg)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected fallback to produce multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if strings.Contains(c, "y") && strings.Count(c, "y") > 30 {
			t.Fatalf("fallback chunk should come from content, not the oversized JSON string: %q", c)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
