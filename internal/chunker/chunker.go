// Package chunker implements the JSON-aware chunker (C4): it splits a
// resource's JSON text into ordered, independently-parseable fragments
// of at most the maximum character size, falling back to plain character
// splitting of the human-readable content when a fragment can't be reduced
// to a valid JSON sub-document. Fragments are packed greedily up to the
// maximum; the minimum size is not consulted, so a chunk may be shorter
// than it.
package chunker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Config controls chunk sizing and overlap in characters.
type Config struct {
	MinSize int
	MaxSize int
	Overlap int
}

// DefaultConfig returns the documented default sizing.
func DefaultConfig() Config {
	return Config{MinSize: 500, MaxSize: 1000, Overlap: 200}
}

// Chunk splits resourceJSON preferentially, falling back to a plain split of
// content when the JSON tree can't be reduced under cfg.MaxSize. It returns
// the ordered chunk texts; order is exposed by the caller as chunk_index.
func Chunk(resourceJSON, content string, cfg Config) ([]string, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 500
	}

	root, err := parseOrdered(json.NewDecoder(strings.NewReader(resourceJSON)))
	if err != nil {
		return fallbackChunk(content, cfg), nil
	}

	whole := root.serialize()
	if len(whole) <= cfg.MaxSize {
		return []string{whole}, nil
	}

	fragments, ok := decompose(root, cfg.MaxSize)
	if !ok || len(fragments) == 0 {
		return fallbackChunk(content, cfg), nil
	}

	return pack(fragments, cfg.MaxSize), nil
}

// --- ordered JSON tree -------------------------------------------------

type nodeKind int

const (
	kindObject nodeKind = iota
	kindArray
	kindScalar
)

type kv struct {
	key   string
	value *node
}

type node struct {
	kind   nodeKind
	fields []kv     // kindObject
	items  []*node  // kindArray
	raw    string   // kindScalar: raw JSON token text
}

func (n *node) serialize() string {
	switch n.kind {
	case kindObject:
		var b bytes.Buffer
		b.WriteByte('{')
		for i, f := range n.fields {
			if i > 0 {
				b.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(f.key)
			b.Write(keyBytes)
			b.WriteByte(':')
			b.WriteString(f.value.serialize())
		}
		b.WriteByte('}')
		return b.String()
	case kindArray:
		var b bytes.Buffer
		b.WriteByte('[')
		for i, it := range n.items {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(it.serialize())
		}
		b.WriteByte(']')
		return b.String()
	default:
		return n.raw
	}
}

// parseOrdered decodes a single JSON value from dec, preserving object key
// order (encoding/json's map decoding does not), which is what makes the
// resulting chunk sequence deterministic across runs (P3).
func parseOrdered(dec *json.Decoder) (*node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return parseValue(dec, tok)
}

func parseValue(dec *json.Decoder, tok json.Token) (*node, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			n := &node{kind: kindObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				valTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				val, err := parseValue(dec, valTok)
				if err != nil {
					return nil, err
				}
				n.fields = append(n.fields, kv{key: key, value: val})
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return n, nil
		case '[':
			n := &node{kind: kindArray}
			for dec.More() {
				valTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				val, err := parseValue(dec, valTok)
				if err != nil {
					return nil, err
				}
				n.items = append(n.items, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return n, nil
		default:
			return nil, fmt.Errorf("chunker: unexpected delimiter %v", t)
		}
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return &node{kind: kindScalar, raw: string(b)}, nil
	case nil:
		return &node{kind: kindScalar, raw: "null"}, nil
	case bool:
		if t {
			return &node{kind: kindScalar, raw: "true"}, nil
		}
		return &node{kind: kindScalar, raw: "false"}, nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return &node{kind: kindScalar, raw: string(b)}, nil
	}
}

// decompose recursively breaks n into standalone-parseable fragments each
// at most maxSize characters. It returns ok=false if some scalar leaf
// cannot be reduced below maxSize on its own (the documented escape hatch
// to the plain-text fallback).
func decompose(n *node, maxSize int) ([]string, bool) {
	whole := n.serialize()
	if len(whole) <= maxSize {
		return []string{whole}, true
	}

	switch n.kind {
	case kindObject:
		var out []string
		for _, f := range n.fields {
			wrapped := wrapField(f.key, f.value)
			if len(wrapped) <= maxSize {
				out = append(out, wrapped)
				continue
			}
			sub, ok := decompose(f.value, maxSize)
			if !ok {
				return nil, false
			}
			out = append(out, sub...)
		}
		return out, true
	case kindArray:
		var out []string
		for _, it := range n.items {
			s := it.serialize()
			if len(s) <= maxSize {
				out = append(out, s)
				continue
			}
			sub, ok := decompose(it, maxSize)
			if !ok {
				return nil, false
			}
			out = append(out, sub...)
		}
		return out, true
	default:
		// a single scalar longer than maxSize cannot be split and remain
		// valid JSON on its own.
		return nil, false
	}
}

func wrapField(key string, v *node) string {
	keyBytes, _ := json.Marshal(key)
	return "{" + string(keyBytes) + ":" + v.serialize() + "}"
}

// pack greedily groups ordered fragments into chunks no larger than
// maxSize, wrapping multi-fragment groups as a JSON array so every emitted
// chunk remains independently parseable.
func pack(fragments []string, maxSize int) []string {
	var out []string
	var group []string
	groupLen := 2 // "[" + "]"

	flush := func() {
		if len(group) == 0 {
			return
		}
		if len(group) == 1 {
			out = append(out, group[0])
		} else {
			out = append(out, "["+strings.Join(group, ",")+"]")
		}
		group = nil
		groupLen = 2
	}

	for _, f := range fragments {
		add := len(f)
		if len(group) > 0 {
			add++ // comma
		}
		if len(group) > 0 && groupLen+add > maxSize {
			flush()
			add = len(f)
		}
		group = append(group, f)
		groupLen += add
	}
	flush()
	return out
}

// fallbackChunk performs plain character splitting of content with a fixed
// character overlap between consecutive chunks, trimming to whitespace
// boundaries where convenient, the documented fallback when the JSON tree
// can't be reduced to parseable sub-documents.
func fallbackChunk(content string, cfg Config) []string {
	text := strings.TrimSpace(content)
	if text == "" {
		return []string{""}
	}
	max := cfg.MaxSize
	overlap := cfg.Overlap
	if overlap < 0 || overlap >= max {
		overlap = 0
	}

	var out []string
	start := 0
	for start < len(text) {
		end := start + max
		if end >= len(text) {
			end = len(text)
		} else if i := strings.LastIndex(text[start:end], " "); i > max/2 {
			end = start + i
		}
		piece := strings.TrimSpace(text[start:end])
		if piece != "" {
			out = append(out, piece)
		}
		if end >= len(text) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	if len(out) == 0 {
		out = append(out, text)
	}
	return out
}
