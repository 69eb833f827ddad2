package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContentEncoding(t *testing.T) {
	h := HashContent([]byte("alpha beta gamma"))
	require.NoError(t, ValidateHash(h))
	assert.Len(t, h, len("sha256:")+64)

	// Deterministic
	assert.Equal(t, h, HashContent([]byte("alpha beta gamma")))
	assert.NotEqual(t, h, HashContent([]byte("alpha beta gamma.")))
}

func TestHashTextTrimsWhitespace(t *testing.T) {
	assert.Equal(t, HashText("alpha beta gamma"), HashText("  alpha beta gamma\n"))
}

func TestValidateHash(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		wantErr bool
	}{
		{"valid", HashContent([]byte("x")), false},
		{"missing prefix", "0000000000000000000000000000000000000000000000000000000000000000", true},
		{"uppercase hex", "sha256:ABCDEF0000000000000000000000000000000000000000000000000000000000", true},
		{"too short", "sha256:abcdef", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHash(tt.hash)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
