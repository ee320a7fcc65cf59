package detector

import (
	"fmt"
	"sort"
)

// ParseYOLO decodes raw YOLO output of shape [1, 4+numClasses, numAnchors]
// into detections above confThreshold. Rows are center-format boxes followed
// by per-class scores; the attribute axis comes before the anchor axis, so
// attribute c of anchor r lives at output[c*N+r]. Exports differ in whether
// box values are normalized or in input pixels, so coordinates above 2 are
// treated as pixels of a square input of inputSize. Returned boxes are
// corner-format and normalized to [0,1].
func ParseYOLO(output []float32, shape []int64, inputSize int, confThreshold float64, classNames []string) ([]Detection, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("unexpected detection output shape %v", shape)
	}
	attrs := int(shape[1])
	anchors := int(shape[2])
	if attrs < 5 {
		return nil, fmt.Errorf("detection output has %d attributes, need at least 5", attrs)
	}
	if len(output) < attrs*anchors {
		return nil, fmt.Errorf("detection output has %d values, need %d", len(output), attrs*anchors)
	}
	numClasses := attrs - 4
	if len(classNames) < numClasses {
		return nil, fmt.Errorf("have %d class names for %d model classes", len(classNames), numClasses)
	}

	var maxCoord float32
	for c := 0; c < 4; c++ {
		for r := 0; r < anchors; r++ {
			if v := output[c*anchors+r]; v > maxCoord {
				maxCoord = v
			}
		}
	}
	scale := float64(1)
	if maxCoord > 2 && inputSize > 0 {
		scale = float64(inputSize)
	}

	var detections []Detection
	for r := 0; r < anchors; r++ {
		bestClass := 0
		bestScore := float64(output[4*anchors+r])
		for k := 1; k < numClasses; k++ {
			if s := float64(output[(4+k)*anchors+r]); s > bestScore {
				bestScore = s
				bestClass = k
			}
		}
		if bestScore < confThreshold {
			continue
		}

		cx := float64(output[0*anchors+r]) / scale
		cy := float64(output[1*anchors+r]) / scale
		w := float64(output[2*anchors+r]) / scale
		h := float64(output[3*anchors+r]) / scale

		box := Box{
			XMin: clamp01(cx - w/2),
			YMin: clamp01(cy - h/2),
			XMax: clamp01(cx + w/2),
			YMax: clamp01(cy + h/2),
		}
		if box.XMax <= box.XMin || box.YMax <= box.YMin {
			continue
		}

		detections = append(detections, Detection{
			Class:      bestClass,
			Label:      classNames[bestClass],
			Confidence: bestScore,
			Box:        box,
		})
	}
	return detections, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// IoU computes intersection over union of two boxes.
func IoU(a, b Box) float64 {
	ix := overlap(a.XMin, a.XMax, b.XMin, b.XMax)
	iy := overlap(a.YMin, a.YMax, b.YMin, b.YMax)
	inter := ix * iy
	if inter <= 0 {
		return 0
	}
	areaA := (a.XMax - a.XMin) * (a.YMax - a.YMin)
	areaB := (b.XMax - b.XMin) * (b.YMax - b.YMin)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func overlap(aMin, aMax, bMin, bMax float64) float64 {
	lo := aMin
	if bMin > lo {
		lo = bMin
	}
	hi := aMax
	if bMax < hi {
		hi = bMax
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}

// NMS applies greedy hard non-maximum suppression per class: detections are
// taken in descending confidence order and any lower-scoring same-class box
// overlapping a kept one above iouThreshold is discarded.
func NMS(detections []Detection, iouThreshold float64) []Detection {
	if len(detections) <= 1 {
		return detections
	}

	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Detection, 0, len(sorted))
	for _, cand := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.Class == cand.Class && IoU(k.Box, cand.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}
