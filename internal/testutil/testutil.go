// Package testutil provides image fixtures and pipeline fakes shared by the
// package tests and the integration suite.
package testutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/tandanlab/tandan/internal/classifier"
	"github.com/tandanlab/tandan/internal/detector"
)

// SolidImage returns a width x height image filled with one color.
func SolidImage(width, height int, c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// EncodePNG encodes an image as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// PNGDataURL returns a solid test frame as a base64 data URL, the format the
// capture UI submits.
func PNGDataURL(width, height int) (string, error) {
	data, err := EncodePNG(SolidImage(width, height, color.NRGBA{R: 200, G: 120, B: 40, A: 255}))
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}

// FakeDetector returns canned detections for every frame.
type FakeDetector struct {
	Detections []detector.Detection
	Err        error
	Calls      int
}

func (f *FakeDetector) Detect(_ context.Context, _ image.Image) ([]detector.Detection, error) {
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Detections, nil
}

// FakeClassifier returns canned classification results in call order, cycling
// when more crops arrive than results were configured.
type FakeClassifier struct {
	Results []classifier.Result
	Err     error
	Calls   int
}

func (f *FakeClassifier) Classify(_ context.Context, _ image.Image) (classifier.Result, error) {
	idx := f.Calls
	f.Calls++
	if f.Err != nil {
		return classifier.Result{}, f.Err
	}
	if len(f.Results) == 0 {
		return classifier.Result{}, fmt.Errorf("no canned results configured")
	}
	return f.Results[idx%len(f.Results)], nil
}

func (f *FakeClassifier) Labels() []string {
	return classifier.DefaultLabels
}

// RipeResult builds a canned classification for one label.
func RipeResult(label string, labels []string) classifier.Result {
	res := classifier.Result{
		Predictions: make([]float64, len(labels)),
		Label:       label,
		Confidence:  0.9,
	}
	for i, l := range labels {
		if l == label {
			res.Predictions[i] = 0.9
			res.TopClass = i
		} else {
			res.Predictions[i] = 0.1 / float64(len(labels)-1)
		}
	}
	return res
}

// BunchAt builds a detection covering the normalized box.
func BunchAt(conf, xmin, ymin, xmax, ymax float64) detector.Detection {
	return detector.Detection{
		Class:      0,
		Label:      "bunch",
		Confidence: conf,
		Box:        detector.Box{XMin: xmin, YMin: ymin, XMax: xmax, YMax: ymax},
	}
}
