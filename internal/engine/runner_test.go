package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandanlab/tandan/internal/onnx"
)

func TestSessionRunnerRejectsMalformedInput(t *testing.T) {
	r := NewSessionRunner("missing.onnx", 0, onnx.DefaultGPUConfig())

	// Data length does not match the declared shape.
	_, _, err := r.Run([]float32{1, 2, 3}, []int64{1, 2, 2, 3})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
	assert.Contains(t, err.Error(), "invalid input tensor")

	// Wrong rank for an image tensor.
	_, _, err = r.Run(make([]float32, 12), []int64{12})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
}

func TestSessionRunnerRunWithoutLoadIsFatal(t *testing.T) {
	r := NewSessionRunner("missing.onnx", 0, onnx.DefaultGPUConfig())

	_, _, err := r.Run(make([]float32, 12), []int64{1, 2, 2, 3})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}
