// Package pipeline orchestrates the full grading flow: locate every fruit
// bunch in a frame, grade each one individually and aggregate the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tandanlab/tandan/internal/classifier"
	"github.com/tandanlab/tandan/internal/detector"
	"github.com/tandanlab/tandan/internal/preprocess"
)

// UnknownLabel marks a bunch whose individual grading failed. The bunch still
// counts toward the total but not toward the classification summary.
const UnknownLabel = "Unknown"

// NoBunchesLabel is the aggregate label when detection finds nothing.
const NoBunchesLabel = "No Bunches Detected"

// BunchDetector locates bunches in a frame.
type BunchDetector interface {
	Detect(ctx context.Context, img image.Image) ([]detector.Detection, error)
}

// RipenessClassifier grades a single bunch crop.
type RipenessClassifier interface {
	Classify(ctx context.Context, img image.Image) (classifier.Result, error)
	Labels() []string
}

// Bunch is one detected bunch with its individual grade.
type Bunch struct {
	Box                      detector.Box `json:"box"`
	Confidence               float64      `json:"confidence"`
	Classification           string       `json:"classification"`
	ClassificationConfidence float64      `json:"classification_confidence"`
}

// Result aggregates grading over a whole frame.
type Result struct {
	Bunches                []Bunch        `json:"bunches"`
	TotalBunches           int            `json:"total_bunches"`
	ClassificationSummary  map[string]int `json:"classification_summary"`
	DominantClassification string         `json:"dominant_classification,omitempty"`
	HasBunches             bool           `json:"has_bunches"`
	Label                  string         `json:"label"`
	InferenceTime          int64          `json:"inferenceTime"`
	Predictions            []float64      `json:"predictions"`
	TopClass               int            `json:"topClass"`
	Confidence             float64        `json:"confidence"`
}

// Config holds pipeline settings.
type Config struct {
	Detector   detector.Config   `mapstructure:"detector" yaml:"detector"`
	Classifier classifier.Config `mapstructure:"classifier" yaml:"classifier"`

	// CropPadding widens each detected box by this fraction of the frame on
	// every side before the bunch is cropped for grading.
	CropPadding float64 `mapstructure:"crop_padding" yaml:"crop_padding"`

	// Workers bounds concurrent images in batch grading.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// Warmup runs one dummy inference per model after loading.
	Warmup bool `mapstructure:"warmup" yaml:"warmup"`
}

// DefaultConfig returns pipeline settings for the bundled models.
func DefaultConfig() Config {
	return Config{
		Detector:    detector.DefaultConfig(),
		Classifier:  classifier.DefaultConfig(),
		CropPadding: 0.05,
		Workers:     2,
	}
}

// Validate checks config invariants.
func (c Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	if err := c.Classifier.Validate(); err != nil {
		return err
	}
	if c.CropPadding < 0 || c.CropPadding >= 0.5 {
		return fmt.Errorf("crop padding %f outside [0, 0.5)", c.CropPadding)
	}
	if c.Workers < 0 {
		return fmt.Errorf("worker count %d is negative", c.Workers)
	}
	return nil
}

// Pipeline runs detection and per-bunch classification.
type Pipeline struct {
	detector   BunchDetector
	classifier RipenessClassifier
	padding    float64
	workers    int
	log        *slog.Logger

	closers []func() error
}

// GradeImage grades one frame. The frame is center-cropped to a square so
// detection coordinates line up with the crops taken afterwards. A bunch
// whose individual grading fails is reported with the Unknown label instead
// of failing the whole frame.
func (p *Pipeline) GradeImage(ctx context.Context, img image.Image) (*Result, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}

	start := time.Now()
	square, err := preprocess.CenterSquare(img)
	if err != nil {
		return nil, err
	}

	detections, err := p.detector.Detect(ctx, square)
	if err != nil {
		return nil, fmt.Errorf("detection failed: %w", err)
	}

	bounds := square.Bounds()
	side := bounds.Dx()
	summary := make(map[string]int)
	bunches := make([]Bunch, 0, len(detections))

	for i, det := range detections {
		bunch := Bunch{Box: det.Box, Confidence: det.Confidence}

		crop := p.cropBunch(square, det.Box, side)
		res, cerr := p.classifier.Classify(ctx, crop)
		if cerr != nil {
			p.log.Warn("bunch classification failed",
				"bunch", i+1,
				"error", cerr)
			bunch.Classification = UnknownLabel
			bunch.ClassificationConfidence = 0
		} else {
			bunch.Classification = res.Label
			bunch.ClassificationConfidence = res.Confidence
			summary[res.Label]++
		}
		bunches = append(bunches, bunch)
	}

	return p.aggregate(bunches, summary, time.Since(start)), nil
}

// cropBunch cuts the padded box out of the square frame.
func (p *Pipeline) cropBunch(square image.Image, box detector.Box, side int) image.Image {
	fside := float64(side)
	x1 := int((box.XMin - p.padding) * fside)
	y1 := int((box.YMin - p.padding) * fside)
	x2 := int((box.XMax + p.padding) * fside)
	y2 := int((box.YMax + p.padding) * fside)
	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > side {
		x2 = side
	}
	if y2 > side {
		y2 = side
	}

	min := square.Bounds().Min
	return imaging.Crop(square, image.Rect(min.X+x1, min.Y+y1, min.X+x2, min.Y+y2))
}

func (p *Pipeline) aggregate(bunches []Bunch, summary map[string]int, elapsed time.Duration) *Result {
	labels := p.classifier.Labels()

	dominant := ""
	best := 0
	for _, label := range labels {
		if n := summary[label]; n > best {
			best = n
			dominant = label
		}
	}
	// Counts for labels outside the configured set still compete.
	for label, n := range summary {
		if n > best {
			best = n
			dominant = label
		}
	}

	predictions := make([]float64, len(labels))
	topClass := 0
	if dominant != "" {
		for i, label := range labels {
			if label == dominant {
				predictions[i] = 1.0
				topClass = i
				break
			}
		}
	}

	result := &Result{
		Bunches:                bunches,
		TotalBunches:           len(bunches),
		ClassificationSummary:  summary,
		DominantClassification: dominant,
		HasBunches:             len(bunches) > 0,
		Label:                  dominant,
		InferenceTime:          elapsed.Milliseconds(),
		Predictions:            predictions,
		TopClass:               topClass,
		Confidence:             0,
	}
	if dominant == "" {
		result.Label = NoBunchesLabel
	} else {
		result.Confidence = 1.0
	}
	return result
}

// DetectorReady reports whether the detection model is loaded. Injected
// detectors without a readiness notion count as ready.
func (p *Pipeline) DetectorReady() bool {
	if r, ok := p.detector.(interface{ Ready() bool }); ok {
		return r.Ready()
	}
	return p.detector != nil
}

// ClassifierReady reports whether the classification model is loaded.
func (p *Pipeline) ClassifierReady() bool {
	if r, ok := p.classifier.(interface{ Ready() bool }); ok {
		return r.Ready()
	}
	return p.classifier != nil
}

// Close releases the underlying models. Safe to call more than once.
func (p *Pipeline) Close() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
