package retrieval

import (
	"crypto/sha256"
	"strings"
)

// Dedup drops near-identical chunks, keeping the highest-scoring instance.
// Two chunks are near-identical when they share a chunk id, a citation or
// normalized text, or come from the same document with overlapping spans.
// The result is sorted by descending score.
func Dedup(chunks []Chunk) []Chunk {
	sorted := append([]Chunk(nil), chunks...)
	sortChunks(sorted)

	seen := make(map[string]struct{}, len(sorted)*3)
	kept := make([]Chunk, 0, len(sorted))
	for _, c := range sorted {
		keys := dedupKeys(c)
		dup := false
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				dup = true
				break
			}
		}
		if !dup {
			for _, k := range kept {
				if overlaps(k, c) {
					dup = true
					break
				}
			}
		}
		if dup {
			continue
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		kept = append(kept, c)
	}
	return kept
}

func dedupKeys(c Chunk) []string {
	keys := make([]string, 0, 3)
	if c.ChunkID != "" {
		keys = append(keys, "id:"+c.ChunkID)
	}
	if c.Citation != "" {
		keys = append(keys, "cite:"+c.Citation)
	}
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(strings.ToLower(c.Text)), " ")))
	keys = append(keys, "text:"+string(sum[:]))
	return keys
}

// overlaps reports whether a and b are spans of the same document that share
// at least one character. Chunks without span information never overlap.
func overlaps(a, b Chunk) bool {
	if a.DocumentID == "" || a.DocumentID != b.DocumentID {
		return false
	}
	if a.SpanEnd <= a.SpanStart || b.SpanEnd <= b.SpanStart {
		return false
	}
	return a.SpanStart < b.SpanEnd && b.SpanStart < a.SpanEnd
}
