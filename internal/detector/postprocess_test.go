package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildOutput packs per-anchor attribute rows into the [1, attrs, anchors]
// layout the model emits.
func buildOutput(rows [][]float32) ([]float32, []int64) {
	anchors := len(rows)
	attrs := len(rows[0])
	out := make([]float32, attrs*anchors)
	for r, row := range rows {
		for c, v := range row {
			out[c*anchors+r] = v
		}
	}
	return out, []int64{1, int64(attrs), int64(anchors)}
}

func TestParseYOLONormalizedCoordinates(t *testing.T) {
	// cx, cy, w, h, score
	out, shape := buildOutput([][]float32{
		{0.5, 0.5, 0.2, 0.4, 0.9},
		{0.1, 0.1, 0.05, 0.05, 0.3},
	})

	dets, err := ParseYOLO(out, shape, 640, 0.5, []string{"bunch"})
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, "bunch", d.Label)
	assert.InDelta(t, 0.9, d.Confidence, 1e-6)
	assert.InDelta(t, 0.4, d.Box.XMin, 1e-6)
	assert.InDelta(t, 0.3, d.Box.YMin, 1e-6)
	assert.InDelta(t, 0.6, d.Box.XMax, 1e-6)
	assert.InDelta(t, 0.7, d.Box.YMax, 1e-6)
}

func TestParseYOLOPixelCoordinates(t *testing.T) {
	out, shape := buildOutput([][]float32{
		{320, 320, 128, 256, 0.8},
	})

	dets, err := ParseYOLO(out, shape, 640, 0.5, []string{"bunch"})
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.InDelta(t, 0.4, d.Box.XMin, 1e-6)
	assert.InDelta(t, 0.3, d.Box.YMin, 1e-6)
	assert.InDelta(t, 0.6, d.Box.XMax, 1e-6)
	assert.InDelta(t, 0.7, d.Box.YMax, 1e-6)
}

func TestParseYOLOClipsToUnitSquare(t *testing.T) {
	out, shape := buildOutput([][]float32{
		{0.05, 0.95, 0.3, 0.3, 0.9},
	})

	dets, err := ParseYOLO(out, shape, 640, 0.5, []string{"bunch"})
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, 0.0, d.Box.XMin)
	assert.Equal(t, 1.0, d.Box.YMax)
	assert.GreaterOrEqual(t, d.Box.XMax, d.Box.XMin)
}

func TestParseYOLOMultiClassPicksBest(t *testing.T) {
	// Two class score columns; the second wins.
	out, shape := buildOutput([][]float32{
		{0.5, 0.5, 0.2, 0.2, 0.3, 0.85},
	})

	dets, err := ParseYOLO(out, shape, 640, 0.5, []string{"bunch", "loose_fruit"})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].Class)
	assert.Equal(t, "loose_fruit", dets[0].Label)
	assert.InDelta(t, 0.85, dets[0].Confidence, 1e-6)
}

func TestParseYOLORejectsBadShape(t *testing.T) {
	_, err := ParseYOLO(make([]float32, 10), []int64{1, 5}, 640, 0.5, []string{"bunch"})
	assert.Error(t, err)

	_, err = ParseYOLO(make([]float32, 10), []int64{2, 5, 1}, 640, 0.5, []string{"bunch"})
	assert.Error(t, err)

	_, err = ParseYOLO(make([]float32, 3), []int64{1, 5, 4}, 640, 0.5, []string{"bunch"})
	assert.Error(t, err)
}

func TestParseYOLODegenerateBoxDropped(t *testing.T) {
	out, shape := buildOutput([][]float32{
		{0.5, 0.5, 0.0, 0.0, 0.9},
	})

	dets, err := ParseYOLO(out, shape, 640, 0.5, []string{"bunch"})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestIoU(t *testing.T) {
	a := Box{XMin: 0, YMin: 0, XMax: 1, YMax: 1}

	assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	assert.Equal(t, 0.0, IoU(a, Box{XMin: 2, YMin: 2, XMax: 3, YMax: 3}))

	b := Box{XMin: 0.5, YMin: 0, XMax: 1.5, YMax: 1}
	// Intersection 0.5, union 1.5.
	assert.InDelta(t, 1.0/3.0, IoU(a, b), 1e-9)
}

func TestNMSSuppressesOverlaps(t *testing.T) {
	dets := []Detection{
		{Class: 0, Confidence: 0.9, Box: Box{XMin: 0.1, YMin: 0.1, XMax: 0.5, YMax: 0.5}},
		{Class: 0, Confidence: 0.8, Box: Box{XMin: 0.12, YMin: 0.12, XMax: 0.52, YMax: 0.52}},
		{Class: 0, Confidence: 0.7, Box: Box{XMin: 0.6, YMin: 0.6, XMax: 0.9, YMax: 0.9}},
	}

	kept := NMS(dets, 0.45)
	require.Len(t, kept, 2)
	assert.InDelta(t, 0.9, kept[0].Confidence, 1e-9)
	assert.InDelta(t, 0.7, kept[1].Confidence, 1e-9)
}

func TestNMSKeepsDifferentClasses(t *testing.T) {
	dets := []Detection{
		{Class: 0, Confidence: 0.9, Box: Box{XMin: 0.1, YMin: 0.1, XMax: 0.5, YMax: 0.5}},
		{Class: 1, Confidence: 0.8, Box: Box{XMin: 0.1, YMin: 0.1, XMax: 0.5, YMax: 0.5}},
	}

	kept := NMS(dets, 0.45)
	assert.Len(t, kept, 2)
}

func TestNMSEmptyAndSingle(t *testing.T) {
	assert.Empty(t, NMS(nil, 0.45))

	one := []Detection{{Confidence: 0.6, Box: Box{XMax: 0.1, YMax: 0.1}}}
	assert.Equal(t, one, NMS(one, 0.45))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ModelPath = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.InputSize = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ConfThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.IoUThreshold = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ClassNames = nil
	assert.Error(t, bad.Validate())
}
