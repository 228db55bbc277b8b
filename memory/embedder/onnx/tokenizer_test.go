package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVocab(t *testing.T) string {
	t.Helper()
	vocab := `{
		"model": {
			"vocab": {
				"[UNK]": 100, "[CLS]": 101, "[SEP]": 102,
				"hello": 7592, "world": 2088,
				"play": 2377, "##ing": 2075
			}
		}
	}`
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(vocab), 0o644))
	return path
}

func TestLoadTokenizer(t *testing.T) {
	tok, err := loadTokenizer(writeVocab(t))
	require.NoError(t, err)
	assert.Equal(t, 101, tok.clsToken)
	assert.Equal(t, 102, tok.sepToken)
	assert.Equal(t, 100, tok.unkToken)

	_, err = loadTokenizer(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestTokenizeExactAndWordPiece(t *testing.T) {
	tok, err := loadTokenizer(writeVocab(t))
	require.NoError(t, err)

	// Case folding, punctuation trimming and exact vocabulary hits.
	ids := tok.tokenize("Hello, World!")
	assert.Equal(t, []int64{7592, 2088}, ids)

	// "playing" is absent but splits into "play" + "##ing".
	ids = tok.tokenize("playing")
	assert.Equal(t, []int64{2377, 2075}, ids)

	// Fully unknown words fall back to [UNK].
	ids = tok.tokenize("xyzzy")
	require.NotEmpty(t, ids)
	for _, id := range ids {
		assert.Equal(t, int64(100), id)
	}
}

func TestNormalize(t *testing.T) {
	vec := normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)

	zero := normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}
