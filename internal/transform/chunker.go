package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"gather-ingest/internal/models"

	"github.com/google/uuid"
)

// Splitter is a recursive character splitter. It prefers the earliest
// separator in the list that appears in the text, recursing into oversized
// pieces with the remaining separators; the empty-string separator at the
// end guarantees progress by splitting on raw characters.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// DefaultSplitter matches the embedding pipeline's window: 6000 characters
// with a 200-character overlap.
func DefaultSplitter() Splitter {
	return Splitter{
		ChunkSize:    6000,
		ChunkOverlap: 200,
		Separators:   []string{"\n\n", "\n", ". ", " ", ""},
	}
}

// Split breaks text into pieces of at most ChunkSize characters, carrying
// ChunkOverlap characters of context between adjacent pieces.
func (s Splitter) Split(text string) []string {
	if text == "" {
		return nil
	}
	seps := s.Separators
	if len(seps) == 0 {
		seps = []string{""}
	}
	pieces := s.splitRecursive(text, seps)

	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s Splitter) splitRecursive(text string, seps []string) []string {
	if len(text) <= s.ChunkSize {
		return []string{text}
	}

	sep := seps[len(seps)-1]
	rest := []string{}
	for i, candidate := range seps {
		if candidate == "" || strings.Contains(text, candidate) {
			sep = candidate
			rest = seps[i+1:]
			break
		}
	}

	var parts []string
	if sep == "" {
		for start := 0; start < len(text); start += s.ChunkSize {
			end := start + s.ChunkSize
			if end > len(text) {
				end = len(text)
			}
			parts = append(parts, text[start:end])
		}
		return parts
	}

	// Keep the separator attached to the preceding part so joins are
	// lossless.
	split := strings.SplitAfter(text, sep)
	var merged []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunk := current.String()
		merged = append(merged, chunk)
		current.Reset()
		if s.ChunkOverlap > 0 && len(chunk) > s.ChunkOverlap {
			current.WriteString(chunk[len(chunk)-s.ChunkOverlap:])
		}
	}

	for _, part := range split {
		if len(part) > s.ChunkSize {
			flush()
			merged = append(merged, s.splitRecursive(part, rest)...)
			continue
		}
		if current.Len()+len(part) > s.ChunkSize {
			flush()
		}
		current.WriteString(part)
	}
	if current.Len() > 0 {
		merged = append(merged, current.String())
	}
	return merged
}

// ChunkID derives the deterministic chunk id: uuid5 in the URL namespace
// over "<documentID>:<uniqueKey>". Re-indexing the same document yields the
// same ids, which is what makes the sink idempotent.
func ChunkID(documentID, uniqueKey string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(documentID+":"+uniqueKey))
}

// ContentHash hashes chunk content together with its metadata, keys sorted
// so map iteration order cannot change the digest.
func ContentHash(content string, metadata map[string]any) string {
	h := sha256.New()
	h.Write([]byte(content))

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%v", k, metadata[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildChunks splits a document body (header prepended) and assembles the
// chunk list. Multi-chunk documents get a "[Part i of N]" prefix so a chunk
// retrieved alone still says where it came from. Unique keys default to the
// stable synthesized "chunk-<i>"; sources with natural keys (message
// timestamps, block ids) pass them via BuildKeyedChunks instead.
func BuildChunks(doc *models.Document) {
	text := doc.Header
	if doc.Body != "" {
		text = doc.Header + "\n\n" + doc.Body
	}

	pieces := DefaultSplitter().Split(text)
	doc.Chunks = assembleChunks(doc.ID, pieces, doc.Metadata, nil)
}

// BuildKeyedChunks is BuildChunks with source-specific unique keys; keys[i]
// names pieces[i]. Missing entries fall back to the synthesized key.
func BuildKeyedChunks(doc *models.Document, pieces []string, keys []string) {
	doc.Chunks = assembleChunks(doc.ID, pieces, doc.Metadata, keys)
}

func assembleChunks(docID string, pieces []string, metadata map[string]any, keys []string) []models.Chunk {
	n := len(pieces)
	chunks := make([]models.Chunk, 0, n)
	for i, piece := range pieces {
		content := piece
		if n > 1 {
			content = fmt.Sprintf("[Part %d of %d]\n\n%s", i+1, n, piece)
		}

		key := fmt.Sprintf("chunk-%d", i)
		if i < len(keys) && keys[i] != "" {
			key = keys[i]
		}

		chunks = append(chunks, models.Chunk{
			ID:          ChunkID(docID, key),
			ContentHash: ContentHash(content, metadata),
			Content:     content,
			Metadata:    metadata,
		})
	}
	return chunks
}
