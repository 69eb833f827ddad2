package llm

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	transient := NewTransientError(base)
	assert.True(t, IsTransient(transient))
	assert.False(t, IsFatal(transient))
	assert.ErrorIs(t, transient, base)

	fatal := NewFatalError(base)
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsTransient(fatal))
	assert.ErrorIs(t, fatal, base)
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("extract: %w", NewTransientError(errors.New("timeout")))
	assert.True(t, IsTransient(wrapped))
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusBadRequest, false},
		{http.StatusRequestEntityTooLarge, false},
		{http.StatusNotFound, false},
	}

	for _, tt := range tests {
		err := classifyHTTPError(tt.status, []byte("details"))
		assert.Equal(t, tt.transient, IsTransient(err), "status %d", tt.status)
		assert.Equal(t, !tt.transient, IsFatal(err), "status %d", tt.status)
		assert.Contains(t, err.Error(), "details")
	}
}

func TestClassifyHTTPErrorTruncatesBody(t *testing.T) {
	body := make([]byte, 500)
	for i := range body {
		body[i] = 'x'
	}
	err := classifyHTTPError(http.StatusBadRequest, body)
	assert.Less(t, len(err.Error()), 300)
	assert.Contains(t, err.Error(), "...")
}
