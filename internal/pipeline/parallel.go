package pipeline

import (
	"context"
	"image"
	"sync"
)

// ImageResult is the outcome for one image of a batch. Exactly one of Result
// and Err is set.
type ImageResult struct {
	Index  int     `json:"index"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
}

// GradeImages grades a batch of frames with a bounded worker pool. The
// output has one entry per input at the same index; a failed frame carries
// its own error and does not affect the others. Once ctx is done the
// remaining frames fail with the context error.
func (p *Pipeline) GradeImages(ctx context.Context, imgs []image.Image) []ImageResult {
	results := make([]ImageResult, len(imgs))
	if len(imgs) == 0 {
		return results
	}

	workers := p.workers
	if workers > len(imgs) {
		workers = len(imgs)
	}

	indices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				if err := ctx.Err(); err != nil {
					results[i] = ImageResult{Index: i, Err: err}
					continue
				}
				res, err := p.GradeImage(ctx, imgs[i])
				results[i] = ImageResult{Index: i, Result: res, Err: err}
			}
		}()
	}

	for i := range imgs {
		indices <- i
	}
	close(indices)
	wg.Wait()

	return results
}
