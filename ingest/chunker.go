// Package ingest implements the chunked ingestion pipeline: boundary-aware
// text chunking, durable checkpoints, pre-ingestion analysis, and the
// executor that drives extraction into the graph.
package ingest

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// boundaryWindow bounds how far (in bytes) the chunker searches around the
// ideal cut position for a natural boundary.
const boundaryWindow = 500

// BoundaryKind records what kind of cut ended a chunk.
type BoundaryKind string

const (
	BoundaryParagraph BoundaryKind = "paragraph"
	BoundarySentence  BoundaryKind = "sentence"
	BoundaryPause     BoundaryKind = "pause"
	BoundaryHardCut   BoundaryKind = "hard_cut"
	BoundaryEnd       BoundaryKind = "end"
)

// ChunkOptions sizes chunks in words.
type ChunkOptions struct {
	TargetWords  int `json:"target_words" yaml:"target_words"`
	MinWords     int `json:"min_words" yaml:"min_words"`
	MaxWords     int `json:"max_words" yaml:"max_words"`
	OverlapWords int `json:"overlap_words" yaml:"overlap_words"`
}

// DefaultChunkOptions returns the standard chunk sizing.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		TargetWords:  1000,
		MinWords:     800,
		MaxWords:     1500,
		OverlapWords: 200,
	}
}

// Validate rejects inconsistent sizing.
func (o ChunkOptions) Validate() error {
	if o.TargetWords <= 0 || o.MinWords <= 0 || o.MaxWords <= 0 {
		return fmt.Errorf("chunk sizes must be positive: target=%d min=%d max=%d",
			o.TargetWords, o.MinWords, o.MaxWords)
	}
	if o.MinWords > o.TargetWords || o.TargetWords > o.MaxWords {
		return fmt.Errorf("chunk sizes must satisfy min <= target <= max: target=%d min=%d max=%d",
			o.TargetWords, o.MinWords, o.MaxWords)
	}
	if o.OverlapWords < 0 || o.OverlapWords >= o.MinWords {
		return fmt.Errorf("overlap %d must be non-negative and smaller than min words %d",
			o.OverlapWords, o.MinWords)
	}
	return nil
}

// Chunk is one processable unit of text. Offsets are byte-exact into the
// original input; Text is always input[StartOffset:EndOffset].
type Chunk struct {
	Index       int
	StartOffset int
	EndOffset   int
	Text        string
	WordCount   int
	Boundary    BoundaryKind
}

// wordSpan locates one whitespace-delimited word in the input.
type wordSpan struct {
	start, end int
}

// Chunker splits text into overlapping chunks cut at natural boundaries.
// The zero value is not usable; construct with NewChunker.
type Chunker struct {
	opts ChunkOptions
}

// NewChunker validates the options and returns a chunker.
func NewChunker(opts ChunkOptions) (*Chunker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{opts: opts}, nil
}

// Split chunks the whole text eagerly.
func (c *Chunker) Split(text string) []Chunk {
	stream := c.Stream(text)
	var out []Chunk
	for {
		chunk, ok := stream.Next()
		if !ok {
			return out
		}
		out = append(out, chunk)
	}
}

// CountChunks reports how many chunks Split would produce without
// materializing their text. Used by pre-ingestion analysis.
func (c *Chunker) CountChunks(text string) int {
	n := 0
	stream := c.Stream(text)
	for {
		if _, ok := stream.Next(); !ok {
			return n
		}
		n++
	}
}

// Stream returns a lazy chunk sequence over text.
func (c *Chunker) Stream(text string) *ChunkStream {
	return &ChunkStream{
		opts:  c.opts,
		text:  text,
		words: splitWords(text),
	}
}

// ChunkStream yields chunks one at a time. Restartable: Skip advances past
// already-processed chunks without touching their text.
type ChunkStream struct {
	opts  ChunkOptions
	text  string
	words []wordSpan

	index     int
	startWord int
	done      bool
}

// Skip discards the next n chunks.
func (s *ChunkStream) Skip(n int) {
	for i := 0; i < n; i++ {
		if _, ok := s.Next(); !ok {
			return
		}
	}
}

// Next yields the next chunk, or ok=false when the text is exhausted.
func (s *ChunkStream) Next() (Chunk, bool) {
	if s.done || s.startWord >= len(s.words) {
		s.done = true
		return Chunk{}, false
	}

	remaining := len(s.words) - s.startWord

	// The final tail takes everything, even below min words.
	if remaining <= s.opts.MaxWords {
		chunk := s.emit(len(s.words), len(s.text), BoundaryEnd)
		s.done = true
		return chunk, true
	}

	endWord, endByte, kind := s.findBoundary()
	chunk := s.emit(endWord, endByte, kind)

	// Overlap backs up into the emitted chunk but always moves forward.
	next := endWord - s.opts.OverlapWords
	if next <= s.startWord {
		next = s.startWord + 1
	}
	s.startWord = next
	return chunk, true
}

func (s *ChunkStream) emit(endWord, endByte int, kind BoundaryKind) Chunk {
	startByte := s.words[s.startWord].start
	if s.index == 0 {
		startByte = 0
	}
	chunk := Chunk{
		Index:       s.index,
		StartOffset: startByte,
		EndOffset:   endByte,
		Text:        s.text[startByte:endByte],
		WordCount:   endWord - s.startWord,
		Boundary:    kind,
	}
	s.index++
	return chunk
}

// findBoundary locates the best cut for the chunk starting at s.startWord,
// preferring paragraph breaks, then sentence ends, then natural pauses,
// hard-cutting at max words when nothing better is in range.
func (s *ChunkStream) findBoundary() (endWord, endByte int, kind BoundaryKind) {
	ideal := s.words[s.startWord+s.opts.TargetWords-1].end
	lo := s.words[s.startWord+s.opts.MinWords-1].end
	hi := s.words[s.startWord+s.opts.MaxWords-1].end
	if ideal-boundaryWindow > lo {
		lo = ideal - boundaryWindow
	}
	if ideal+boundaryWindow < hi {
		hi = ideal + boundaryWindow
	}

	region := s.text[lo:hi]

	if cut, ok := bestCut(region, ideal-lo, findParagraphBreaks); ok {
		return s.wordsEndingBy(lo + cut), lo + cut, BoundaryParagraph
	}
	if cut, ok := bestCut(region, ideal-lo, findSentenceEnds); ok {
		return s.wordsEndingBy(lo + cut), lo + cut, BoundarySentence
	}
	if cut, ok := bestCut(region, ideal-lo, findPauses); ok {
		return s.wordsEndingBy(lo + cut), lo + cut, BoundaryPause
	}

	endWord = s.startWord + s.opts.MaxWords
	return endWord, s.words[endWord-1].end, BoundaryHardCut
}

// wordsEndingBy counts words whose span ends at or before byte position p,
// clamped so a chunk always contains at least one word.
func (s *ChunkStream) wordsEndingBy(p int) int {
	n := sort.Search(len(s.words), func(i int) bool {
		return s.words[i].end > p
	})
	if n <= s.startWord {
		return s.startWord + 1
	}
	return n
}

// bestCut runs a candidate finder over the region and returns the cut
// closest to the ideal position.
func bestCut(region string, ideal int, find func(string) []int) (int, bool) {
	candidates := find(region)
	if len(candidates) == 0 {
		return 0, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if abs(c-ideal) < abs(best-ideal) {
			best = c
		}
	}
	return best, true
}

// findParagraphBreaks returns cut positions just after each blank line.
func findParagraphBreaks(region string) []int {
	var out []int
	for i := 0; i+1 < len(region); i++ {
		if region[i] == '\n' && region[i+1] == '\n' {
			j := i
			for j < len(region) && region[j] == '\n' {
				j++
			}
			out = append(out, j)
			i = j - 1
		}
	}
	return out
}

// findSentenceEnds returns cut positions after terminators that are
// followed by whitespace and an uppercase letter (or end of region).
func findSentenceEnds(region string) []int {
	var out []int
	for i := 0; i < len(region); i++ {
		switch region[i] {
		case '.', '!', '?':
		default:
			continue
		}
		j := i + 1
		for j < len(region) && (region[j] == ' ' || region[j] == '\t' || region[j] == '\n') {
			j++
		}
		if j == i+1 && j < len(region) {
			// Terminator glued to the next character: an abbreviation or
			// a decimal point, not a sentence end.
			continue
		}
		if j >= len(region) {
			out = append(out, i+1)
			continue
		}
		r, _ := utf8.DecodeRuneInString(region[j:])
		if unicode.IsUpper(r) || region[j] == '"' || region[j] == '\'' {
			out = append(out, i+1)
		}
	}
	return out
}

// findPauses returns cut positions after semicolons, em-dashes, and
// ellipses followed by whitespace.
func findPauses(region string) []int {
	var out []int
	for i := 0; i < len(region); i++ {
		var after int
		switch {
		case region[i] == ';':
			after = i + 1
		case strings.HasPrefix(region[i:], "—"): // em-dash
			after = i + len("—")
		case strings.HasPrefix(region[i:], "..."):
			after = i + 3
		case strings.HasPrefix(region[i:], "…"): // ellipsis
			after = i + len("…")
		default:
			continue
		}
		if after >= len(region) || region[after] == ' ' || region[after] == '\n' {
			out = append(out, after)
		}
		i = after - 1
	}
	return out
}

// splitWords locates all whitespace-delimited words with byte-exact spans.
func splitWords(text string) []wordSpan {
	var out []wordSpan
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, wordSpan{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, wordSpan{start, len(text)})
	}
	return out
}

// CountWords reports the number of whitespace-delimited words in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
