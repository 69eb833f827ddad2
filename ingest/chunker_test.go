package ingest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallOpts() ChunkOptions {
	return ChunkOptions{TargetWords: 10, MinWords: 8, MaxWords: 15, OverlapWords: 2}
}

// sentences produces n short sentences of 5 words each.
func sentences(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "The sage spoke of way%d. ", i)
	}
	return strings.TrimSpace(b.String())
}

func TestChunkOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    ChunkOptions
		wantErr bool
	}{
		{"defaults", DefaultChunkOptions(), false},
		{"small", smallOpts(), false},
		{"zero target", ChunkOptions{MinWords: 1, MaxWords: 2}, true},
		{"min above target", ChunkOptions{TargetWords: 5, MinWords: 6, MaxWords: 10, OverlapWords: 1}, true},
		{"target above max", ChunkOptions{TargetWords: 11, MinWords: 5, MaxWords: 10, OverlapWords: 1}, true},
		{"overlap at min", ChunkOptions{TargetWords: 10, MinWords: 8, MaxWords: 15, OverlapWords: 8}, true},
		{"negative overlap", ChunkOptions{TargetWords: 10, MinWords: 8, MaxWords: 15, OverlapWords: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChunkerEmptyAndWhitespaceInput(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\n\t  "))
}

func TestChunkerSingleWord(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	chunks := c.Split("hello")
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, 5, chunks[0].EndOffset)
	assert.Equal(t, 1, chunks[0].WordCount)
	assert.Equal(t, BoundaryEnd, chunks[0].Boundary)
}

func TestChunkerOffsetsAreByteExact(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	text := sentences(20)
	for _, chunk := range c.Split(text) {
		assert.Equal(t, text[chunk.StartOffset:chunk.EndOffset], chunk.Text)
	}
}

func TestChunkerRoundTrip(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	text := sentences(40)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, len(text), chunks[len(chunks)-1].EndOffset)

	joined := chunks[0].Text
	for i := 1; i < len(chunks); i++ {
		overlap := chunks[i-1].EndOffset - chunks[i].StartOffset
		require.GreaterOrEqual(t, overlap, 0, "chunks must overlap, not gap")
		joined += chunks[i].Text[overlap:]
	}
	assert.Equal(t, text, joined)
}

func TestChunkerOverlapNeverBeforePreviousStart(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	chunks := c.Split(sentences(40))
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].StartOffset, chunks[i-1].StartOffset)
		assert.Equal(t, i, chunks[i].Index)
	}
}

func TestChunkerPrefersParagraphBreak(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	// Paragraph break after word 10, inside the search window
	text := sentences(2) + "\n\n" + sentences(10)
	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, BoundaryParagraph, chunks[0].Boundary)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "\n\n"))
}

func TestChunkerSentenceBoundary(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	chunks := c.Split(sentences(10))
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, BoundarySentence, chunks[0].Boundary)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(chunks[0].Text), "."))
}

func TestChunkerPauseBoundary(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	// No sentence ends or paragraphs, one semicolon near the target
	words := make([]string, 25)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	words[9] = "word9;"
	chunks := c.Split(strings.Join(words, " "))
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, BoundaryPause, chunks[0].Boundary)
}

func TestChunkerHardCutAtMaxWords(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	// 40 plain words with no boundaries at all
	words := make([]string, 40)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	chunks := c.Split(strings.Join(words, " "))
	require.Greater(t, len(chunks), 1)
	assert.Equal(t, BoundaryHardCut, chunks[0].Boundary)
	assert.Equal(t, 15, chunks[0].WordCount)
}

func TestChunkerMinWordsExceptTail(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	chunks := c.Split(sentences(40))
	for i, chunk := range chunks {
		if i < len(chunks)-1 {
			assert.GreaterOrEqual(t, chunk.WordCount, 8, "chunk %d below min", i)
		}
		assert.LessOrEqual(t, chunk.WordCount, 15, "chunk %d above max", i)
	}
}

func TestChunkStreamSkip(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	text := sentences(40)
	all := c.Split(text)
	require.Greater(t, len(all), 2)

	stream := c.Stream(text)
	stream.Skip(2)
	chunk, ok := stream.Next()
	require.True(t, ok)
	assert.Equal(t, all[2], chunk)
}

func TestCountChunksMatchesSplit(t *testing.T) {
	c, err := NewChunker(smallOpts())
	require.NoError(t, err)

	text := sentences(40)
	assert.Equal(t, len(c.Split(text)), c.CountChunks(text))
}
