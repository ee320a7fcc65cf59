package classifier

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpretProbabilities(t *testing.T) {
	// Already a distribution; used as-is.
	res := Interpret([]float32{0.1, 0.7, 0.2}, DefaultLabels)

	assert.Equal(t, 1, res.TopClass)
	assert.Equal(t, "ripe", res.Label)
	assert.InDelta(t, 0.7, res.Confidence, 1e-6)
	require.Len(t, res.Predictions, 3)
}

func TestInterpretLogitsGetSoftmaxed(t *testing.T) {
	res := Interpret([]float32{1.0, 3.0, 0.5}, DefaultLabels)

	assert.Equal(t, 1, res.TopClass)
	assert.Equal(t, "ripe", res.Label)

	sum := 0.0
	for _, p := range res.Predictions {
		assert.GreaterOrEqual(t, p, 0.0)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, res.Confidence, 0.5)
}

func TestInterpretShortScoresPadded(t *testing.T) {
	res := Interpret([]float32{0.4, 0.6}, DefaultLabels)

	require.Len(t, res.Predictions, 3)
	assert.Equal(t, 0.0, res.Predictions[2])
	assert.Equal(t, "ripe", res.Label)
}

func TestInterpretLongScoresTruncated(t *testing.T) {
	res := Interpret([]float32{0.1, 0.2, 0.3, 0.4}, DefaultLabels)

	require.Len(t, res.Predictions, 3)
	assert.Equal(t, 2, res.TopClass)
	assert.Equal(t, "over_ripe", res.Label)
}

func TestInterpretLargeLogits(t *testing.T) {
	// Softmax must stay finite for large magnitude logits.
	res := Interpret([]float32{1000, 999, 500}, DefaultLabels)

	assert.False(t, math.IsNaN(res.Confidence))
	assert.False(t, math.IsInf(res.Confidence, 0))
	assert.Equal(t, "unripe", res.Label)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ModelPath = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.InputSize = -1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Labels = nil
	assert.Error(t, bad.Validate())
}
