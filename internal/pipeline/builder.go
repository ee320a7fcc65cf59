package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tandanlab/tandan/internal/classifier"
	"github.com/tandanlab/tandan/internal/detector"
)

// Builder assembles a Pipeline step by step.
type Builder struct {
	config     Config
	logger     *slog.Logger
	detector   BunchDetector
	classifier RipenessClassifier
}

// NewBuilder starts from the default configuration.
func NewBuilder() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithDetectorModelPath overrides the detection model location.
func (b *Builder) WithDetectorModelPath(path string) *Builder {
	b.config.Detector.ModelPath = path
	return b
}

// WithClassifierModelPath overrides the classification model location.
func (b *Builder) WithClassifierModelPath(path string) *Builder {
	b.config.Classifier.ModelPath = path
	return b
}

// WithCropPadding overrides the per-bunch crop padding fraction.
func (b *Builder) WithCropPadding(padding float64) *Builder {
	b.config.CropPadding = padding
	return b
}

// WithWorkers overrides the batch worker count.
func (b *Builder) WithWorkers(n int) *Builder {
	b.config.Workers = n
	return b
}

// WithWarmup toggles the post-load warmup inference.
func (b *Builder) WithWarmup(enabled bool) *Builder {
	b.config.Warmup = enabled
	return b
}

// WithGPU toggles GPU execution for both models.
func (b *Builder) WithGPU(enabled bool) *Builder {
	b.config.Detector.GPU.UseGPU = enabled
	b.config.Classifier.GPU.UseGPU = enabled
	return b
}

// WithLogger sets the logger passed down to both models.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithDetector injects a detector, bypassing model construction for it.
func (b *Builder) WithDetector(d BunchDetector) *Builder {
	b.detector = d
	return b
}

// WithClassifier injects a classifier, bypassing model construction for it.
func (b *Builder) WithClassifier(c RipenessClassifier) *Builder {
	b.classifier = c
	return b
}

// Build validates the configuration, loads both models and returns a ready
// pipeline. The two models load concurrently.
func (b *Builder) Build(ctx context.Context) (*Pipeline, error) {
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	if b.config.CropPadding < 0 || b.config.CropPadding >= 0.5 {
		return nil, fmt.Errorf("crop padding %f outside [0, 0.5)", b.config.CropPadding)
	}

	p := &Pipeline{
		detector:   b.detector,
		classifier: b.classifier,
		padding:    b.config.CropPadding,
		workers:    b.config.Workers,
		log:        logger,
	}
	if p.workers <= 0 {
		p.workers = 1
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if p.detector == nil {
		det, err := detector.New(b.config.Detector, logger)
		if err != nil {
			return nil, err
		}
		p.detector = det
		p.closers = append(p.closers, det.Close)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := det.Init(ctx); err != nil {
				errCh <- err
				return
			}
			if b.config.Warmup {
				if err := det.Warmup(ctx); err != nil {
					errCh <- err
				}
			}
		}()
	}

	if p.classifier == nil {
		cls, err := classifier.New(b.config.Classifier, logger)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.classifier = cls
		p.closers = append(p.closers, cls.Close)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cls.Init(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("pipeline build failed: %w", err)
	}
	return p, nil
}
