// Package detector locates fruit bunches in an image using a YOLO-family
// detection model served through the inference engine.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/tandanlab/tandan/internal/engine"
	"github.com/tandanlab/tandan/internal/onnx"
	"github.com/tandanlab/tandan/internal/preprocess"
)

// Config holds detector settings.
type Config struct {
	ModelPath     string         `mapstructure:"model_path" yaml:"model_path"`
	InputSize     int            `mapstructure:"input_size" yaml:"input_size"`
	ConfThreshold float64        `mapstructure:"conf_threshold" yaml:"conf_threshold"`
	IoUThreshold  float64        `mapstructure:"iou_threshold" yaml:"iou_threshold"`
	NumThreads    int            `mapstructure:"num_threads" yaml:"num_threads"`
	ClassNames    []string       `mapstructure:"class_names" yaml:"class_names"`
	GPU           onnx.GPUConfig `mapstructure:"gpu" yaml:"gpu"`
}

// DefaultConfig returns detector settings matching the bundled bunch model.
func DefaultConfig() Config {
	return Config{
		ModelPath:     "models/bunch_detector.onnx",
		InputSize:     640,
		ConfThreshold: 0.5,
		IoUThreshold:  0.45,
		ClassNames:    []string{"bunch"},
		GPU:           onnx.DefaultGPUConfig(),
	}
}

// Validate checks config invariants.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("detector model path is required")
	}
	if c.InputSize <= 0 {
		return fmt.Errorf("invalid detector input size %d", c.InputSize)
	}
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		return fmt.Errorf("confidence threshold %f outside [0,1]", c.ConfThreshold)
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("IoU threshold %f outside (0,1]", c.IoUThreshold)
	}
	if len(c.ClassNames) == 0 {
		return errors.New("at least one class name is required")
	}
	return onnx.ValidateGPUConfig(c.GPU)
}

// Box is an axis-aligned bounding box with coordinates normalized to [0,1].
type Box struct {
	YMin float64 `json:"ymin"`
	XMin float64 `json:"xmin"`
	YMax float64 `json:"ymax"`
	XMax float64 `json:"xmax"`
}

// Detection is one located object.
type Detection struct {
	Class      int     `json:"class"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Detector runs bunch detection.
type Detector struct {
	config Config
	engine *engine.Engine
	log    *slog.Logger
}

// New creates a detector. The model is not loaded until Init.
func New(config Config, logger *slog.Logger) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	runner := engine.NewSessionRunner(config.ModelPath, config.NumThreads, config.GPU)
	eng := engine.New(runner, engine.Options{Name: "detector", Logger: logger})
	return &Detector{config: config, engine: eng, log: logger}, nil
}

// Init loads the detection model. Safe to call concurrently; the load happens
// once.
func (d *Detector) Init(ctx context.Context) error {
	return d.engine.Init(ctx)
}

// Ready reports whether the model is loaded and accepting requests.
func (d *Detector) Ready() bool {
	return d.engine.State() == engine.StateReady
}

// Close releases the model session.
func (d *Detector) Close() error {
	return d.engine.Close()
}

// Config returns a copy of the detector configuration.
func (d *Detector) Config() Config {
	return d.config
}

// Detect locates bunches in img. The image is center-cropped to a square,
// resized to the model input size and packed as an interleaved RGB tensor
// with values scaled to [0,1]. Box coordinates in the result are normalized
// to the cropped square.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}

	start := time.Now()
	square, err := preprocess.CenterSquare(img)
	if err != nil {
		return nil, err
	}

	size := d.config.InputSize
	data, err := preprocess.Float32HWC(square, size, size, preprocess.DetectorScale)
	if err != nil {
		return nil, err
	}

	tensor, err := onnx.NewImageTensor(data, size, size, 3)
	if err != nil {
		return nil, err
	}
	if d.log.Enabled(ctx, slog.LevelDebug) {
		minVal, maxVal, meanVal := onnx.TensorStats(tensor.Data)
		d.log.Debug("detector input tensor",
			"shape", tensor.Shape, "min", minVal, "max", maxVal, "mean", meanVal)
	}

	// The input buffer is moved into the engine here.
	res, err := d.engine.Infer(ctx, tensor.Data, tensor.Shape)
	if err != nil {
		return nil, fmt.Errorf("detection inference failed: %w", err)
	}

	detections, err := ParseYOLO(res.Output, res.Shape, size, d.config.ConfThreshold, d.config.ClassNames)
	if err != nil {
		return nil, err
	}
	kept := NMS(detections, d.config.IoUThreshold)

	d.log.Debug("detection complete",
		"candidates", len(detections),
		"kept", len(kept),
		"elapsed", time.Since(start))
	return kept, nil
}

// Warmup runs one inference on a zero tensor so the first real request does
// not pay session warm-up cost.
func (d *Detector) Warmup(ctx context.Context) error {
	size := d.config.InputSize
	tensor, err := onnx.NewImageTensor(make([]float32, size*size*3), size, size, 3)
	if err != nil {
		return fmt.Errorf("detector warmup failed: %w", err)
	}
	_, err = d.engine.Infer(ctx, tensor.Data, tensor.Shape)
	if err != nil {
		return fmt.Errorf("detector warmup failed: %w", err)
	}
	return nil
}
