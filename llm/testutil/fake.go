// Package testutil provides deterministic in-memory fakes for the llm
// capability ports, so pipeline tests run without a model endpoint.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	"noesis/llm"
)

// FakeEmbedder produces deterministic unit vectors. Identical inputs always
// embed identically; unrelated inputs are very unlikely to collide. Fixed
// vectors can be registered to force specific similarities in tests.
type FakeEmbedder struct {
	Dimension int

	mu    sync.Mutex
	fixed map[string][]float32
	Calls int
}

// NewFakeEmbedder creates a fake embedder with the given dimension.
func NewFakeEmbedder(dim int) *FakeEmbedder {
	return &FakeEmbedder{Dimension: dim, fixed: make(map[string][]float32)}
}

// Fix registers an exact vector for an input text.
func (f *FakeEmbedder) Fix(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixed[text] = vec
}

func (f *FakeEmbedder) Dim() int { return f.Dimension }

func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.Calls++
	if vec, ok := f.fixed[text]; ok {
		f.mu.Unlock()
		return vec, nil
	}
	f.mu.Unlock()

	// Derive a stable pseudo-random vector from the text hash, then
	// normalize so cosine similarity behaves.
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, f.Dimension)
	var norm float64
	for i := range vec {
		seed := binary.LittleEndian.Uint32(sum[(i*4)%28:])
		v := float64(seed^uint32(i*2654435761)) / float64(math.MaxUint32)
		vec[i] = float32(v*2 - 1)
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// FakeExtractor returns scripted extractions keyed by exact chunk text, with
// an optional fallback function for unscripted chunks.
type FakeExtractor struct {
	mu       sync.Mutex
	scripted map[string]*llm.Extraction

	// Fallback runs for chunks with no scripted result. Nil returns an
	// empty extraction.
	Fallback func(text string, gc llm.GraphContext) (*llm.Extraction, error)

	// FailTimes makes the first N calls fail with a transient error.
	FailTimes int

	Calls    int
	Contexts []llm.GraphContext
}

// NewFakeExtractor creates an empty fake extractor.
func NewFakeExtractor() *FakeExtractor {
	return &FakeExtractor{scripted: make(map[string]*llm.Extraction)}
}

// Script registers the extraction returned for an exact chunk text.
func (f *FakeExtractor) Script(text string, ex *llm.Extraction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[text] = ex
}

func (f *FakeExtractor) Extract(_ context.Context, text string, gc llm.GraphContext) (*llm.Extraction, error) {
	f.mu.Lock()
	f.Calls++
	f.Contexts = append(f.Contexts, gc)
	if f.FailTimes > 0 {
		f.FailTimes--
		f.mu.Unlock()
		return nil, llm.NewTransientError(errTransient{})
	}
	ex, ok := f.scripted[text]
	fallback := f.Fallback
	f.mu.Unlock()

	if ok {
		return ex, nil
	}
	if fallback != nil {
		return fallback(text, gc)
	}
	return &llm.Extraction{}, nil
}

type errTransient struct{}

func (errTransient) Error() string { return "injected transient failure" }

// FakeVision returns a fixed description for any image.
type FakeVision struct {
	Description string
	Calls       int
}

func (f *FakeVision) Describe(_ context.Context, _ []byte, _ string) (string, error) {
	f.Calls++
	return f.Description, nil
}
