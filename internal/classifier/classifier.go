// Package classifier assigns a ripeness grade to a cropped fruit bunch.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/tandanlab/tandan/internal/engine"
	"github.com/tandanlab/tandan/internal/onnx"
	"github.com/tandanlab/tandan/internal/preprocess"
)

// DefaultLabels are the ripeness classes in model output order.
var DefaultLabels = []string{"unripe", "ripe", "over_ripe"}

// Config holds classifier settings.
type Config struct {
	ModelPath  string         `mapstructure:"model_path" yaml:"model_path"`
	InputSize  int            `mapstructure:"input_size" yaml:"input_size"`
	NumThreads int            `mapstructure:"num_threads" yaml:"num_threads"`
	Labels     []string       `mapstructure:"labels" yaml:"labels"`
	GPU        onnx.GPUConfig `mapstructure:"gpu" yaml:"gpu"`
}

// DefaultConfig returns classifier settings matching the bundled ripeness
// model.
func DefaultConfig() Config {
	return Config{
		ModelPath: "models/ripeness_classifier.onnx",
		InputSize: 224,
		Labels:    DefaultLabels,
		GPU:       onnx.DefaultGPUConfig(),
	}
}

// Validate checks config invariants.
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("classifier model path is required")
	}
	if c.InputSize <= 0 {
		return fmt.Errorf("invalid classifier input size %d", c.InputSize)
	}
	if len(c.Labels) == 0 {
		return errors.New("at least one class label is required")
	}
	return onnx.ValidateGPUConfig(c.GPU)
}

// Result is one grading outcome.
type Result struct {
	Predictions []float64 `json:"predictions"`
	TopClass    int       `json:"topClass"`
	Confidence  float64   `json:"confidence"`
	Label       string    `json:"label"`
}

// Classifier grades bunch crops.
type Classifier struct {
	config Config
	engine *engine.Engine
	log    *slog.Logger
}

// New creates a classifier. The model is not loaded until Init.
func New(config Config, logger *slog.Logger) (*Classifier, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	runner := engine.NewSessionRunner(config.ModelPath, config.NumThreads, config.GPU)
	eng := engine.New(runner, engine.Options{Name: "classifier", Logger: logger})
	return &Classifier{config: config, engine: eng, log: logger}, nil
}

// Init loads the classification model.
func (c *Classifier) Init(ctx context.Context) error {
	return c.engine.Init(ctx)
}

// Ready reports whether the model is loaded and accepting requests.
func (c *Classifier) Ready() bool {
	return c.engine.State() == engine.StateReady
}

// Close releases the model session.
func (c *Classifier) Close() error {
	return c.engine.Close()
}

// Labels returns the configured class labels.
func (c *Classifier) Labels() []string {
	out := make([]string, len(c.config.Labels))
	copy(out, c.config.Labels)
	return out
}

// Classify grades one bunch crop. The crop is resized to the model input and
// fed as raw 0-255 channel values, matching how the model was trained.
func (c *Classifier) Classify(ctx context.Context, img image.Image) (Result, error) {
	if img == nil {
		return Result{}, errors.New("input image is nil")
	}

	start := time.Now()
	size := c.config.InputSize
	data, err := preprocess.Float32HWC(img, size, size, preprocess.ClassifierScale)
	if err != nil {
		return Result{}, err
	}

	tensor, err := onnx.NewImageTensor(data, size, size, 3)
	if err != nil {
		return Result{}, err
	}

	res, err := c.engine.Infer(ctx, tensor.Data, tensor.Shape)
	if err != nil {
		return Result{}, fmt.Errorf("classification inference failed: %w", err)
	}

	result := Interpret(res.Output, c.config.Labels)
	c.log.Debug("classification complete",
		"label", result.Label,
		"confidence", result.Confidence,
		"elapsed", time.Since(start))
	return result, nil
}

// Interpret converts raw model scores into a Result. Scores that do not sum
// to one are treated as logits and passed through softmax. Score vectors
// shorter than the label set are zero-padded; longer ones are truncated.
func Interpret(scores []float32, labels []string) Result {
	probs := normalize(scores)

	// Align to the label set.
	aligned := make([]float64, len(labels))
	copy(aligned, probs)

	top := 0
	for i, p := range aligned {
		if p > aligned[top] {
			top = i
		}
	}
	return Result{
		Predictions: aligned,
		TopClass:    top,
		Confidence:  aligned[top],
		Label:       labels[top],
	}
}

func normalize(scores []float32) []float64 {
	probs := make([]float64, len(scores))
	sum := 0.0
	for i, s := range scores {
		probs[i] = float64(s)
		sum += float64(s)
	}
	if math.Abs(sum-1.0) <= 1e-3 {
		return probs
	}
	return softmax(probs)
}

func softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return logits
	}
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
