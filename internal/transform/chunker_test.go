package transform

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"gather-ingest/internal/models"

	"github.com/stretchr/testify/require"
)

func chunkDoc(body string) *models.Document {
	return &models.Document{
		ID:              "asana_task-42",
		Source:          models.SourceAsana,
		SourceUpdatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Header:          "Title: widget\nTask ID: 42",
		Body:            body,
		Metadata:        map[string]any{"task_gid": "42", "workspace_gid": "ws1"},
	}
}

func TestBuildChunksSingle(t *testing.T) {
	t.Parallel()

	doc := chunkDoc("short body")
	BuildChunks(doc)

	require.Len(t, doc.Chunks, 1)
	require.NotContains(t, doc.Chunks[0].Content, "[Part")
	require.Contains(t, doc.Chunks[0].Content, "Title: widget")
	require.Contains(t, doc.Chunks[0].Content, "short body")
}

func TestBuildChunksMultiPartPrefix(t *testing.T) {
	t.Parallel()

	doc := chunkDoc(longBody(3))
	BuildChunks(doc)

	require.Greater(t, len(doc.Chunks), 1)
	for i, c := range doc.Chunks {
		require.True(t, strings.HasPrefix(c.Content, "[Part "), "chunk %d missing part prefix", i)
	}
	require.True(t, strings.HasPrefix(doc.Chunks[0].Content,
		"[Part 1 of "+strconv.Itoa(len(doc.Chunks))+"]\n\n"))
}

func TestBuildChunksDeterministic(t *testing.T) {
	t.Parallel()

	a := chunkDoc(longBody(3))
	b := chunkDoc(longBody(3))
	BuildChunks(a)
	BuildChunks(b)

	require.Equal(t, len(a.Chunks), len(b.Chunks))
	for i := range a.Chunks {
		require.Equal(t, a.Chunks[i].ID, b.Chunks[i].ID)
		require.Equal(t, a.Chunks[i].ContentHash, b.Chunks[i].ContentHash)
	}
}

// Changing one character in the last piece must flip that chunk's hash and
// leave every other chunk, and every chunk id, untouched.
func TestBuildChunksLocalEdit(t *testing.T) {
	t.Parallel()

	base := chunkDoc(longBody(3))
	BuildChunks(base)
	require.Greater(t, len(base.Chunks), 1)

	body := longBody(3)
	// Flip a character well inside the final piece, away from any overlap
	// carried into it from the previous chunk.
	edited := chunkDoc(body[:len(body)-100] + "X" + body[len(body)-99:])
	BuildChunks(edited)

	require.Equal(t, len(base.Chunks), len(edited.Chunks))
	changed := 0
	for i := range base.Chunks {
		require.Equal(t, base.Chunks[i].ID, edited.Chunks[i].ID)
		if base.Chunks[i].ContentHash != edited.Chunks[i].ContentHash {
			changed++
		}
	}
	require.Equal(t, 1, changed)
}

func TestBuildKeyedChunks(t *testing.T) {
	t.Parallel()

	doc := chunkDoc("")
	BuildKeyedChunks(doc, []string{"alpha", "beta"}, []string{"msg-1", ""})

	require.Len(t, doc.Chunks, 2)
	require.Equal(t, ChunkID(doc.ID, "msg-1"), doc.Chunks[0].ID)
	// Missing key falls back to the synthesized one.
	require.Equal(t, ChunkID(doc.ID, "chunk-1"), doc.Chunks[1].ID)
}

func TestContentHashMetadataOrder(t *testing.T) {
	t.Parallel()

	a := ContentHash("body", map[string]any{"a": 1, "b": "x"})
	b := ContentHash("body", map[string]any{"b": "x", "a": 1})
	require.Equal(t, a, b)

	require.NotEqual(t, a, ContentHash("body", map[string]any{"a": 2, "b": "x"}))
	require.NotEqual(t, a, ContentHash("other", map[string]any{"a": 1, "b": "x"}))
}

func TestSplitterOverlap(t *testing.T) {
	t.Parallel()

	s := Splitter{ChunkSize: 10, ChunkOverlap: 3, Separators: []string{" ", ""}}
	pieces := s.Split("aaaa bbbb cccc dddd")

	require.Greater(t, len(pieces), 1)
	for i := 1; i < len(pieces); i++ {
		prev := pieces[i-1]
		carry := prev[len(prev)-3:]
		require.True(t, strings.HasPrefix(pieces[i], carry),
			"piece %d does not carry overlap from its predecessor", i)
	}
}

func TestSplitterHardSplit(t *testing.T) {
	t.Parallel()

	s := Splitter{ChunkSize: 4, ChunkOverlap: 0, Separators: []string{""}}
	pieces := s.Split("abcdefghij")
	require.Equal(t, []string{"abcd", "efgh", "ij"}, pieces)
}

// longBody builds n paragraphs of ~5500 characters each, so the default
// splitter puts one paragraph per chunk.
func longBody(n int) string {
	paragraph := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = strconv.Itoa(i) + " " + paragraph
	}
	return strings.Join(parts, "\n\n")
}
