// Package stats computes descriptive statistics and problem-frame views over
// per-frame quality data. All functions are pure.
package stats

import (
	"cmp"
	"math"
	"slices"

	"github.com/amillerrr/video-qc/pkg/models"
)

// Percentiles reported by Summarize.
const (
	P5  = 0.05
	P95 = 0.95
)

// Summary holds descriptive statistics for one metric.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std"`
	P5     float64 `json:"p5"`
	P95    float64 `json:"p95"`
}

// Statistics holds a Summary per metric. A metric with no reported values is nil.
type Statistics struct {
	VMAF *Summary `json:"vmaf,omitempty"`
	SSIM *Summary `json:"ssim,omitempty"`
	PSNR *Summary `json:"psnr,omitempty"`
}

// Compute summarizes every metric present in frames.
func Compute(frames []models.FrameMetrics) Statistics {
	var vmaf, ssim, psnr []float64
	for _, f := range frames {
		if f.VMAF != nil {
			vmaf = append(vmaf, *f.VMAF)
		}
		if f.SSIM != nil {
			ssim = append(ssim, *f.SSIM)
		}
		if f.PSNR != nil {
			psnr = append(psnr, *f.PSNR)
		}
	}

	return Statistics{
		VMAF: Summarize(vmaf),
		SSIM: Summarize(ssim),
		PSNR: Summarize(psnr),
	}
}

// Summarize returns nil for an empty sample.
func Summarize(values []float64) *Summary {
	n := len(values)
	if n == 0 {
		return nil
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	return &Summary{
		Count:  n,
		Mean:   mean,
		Min:    sorted[0],
		Max:    sorted[n-1],
		Median: median(sorted),
		StdDev: sampleStdDev(sorted, mean),
		P5:     Percentile(sorted, P5),
		P95:    Percentile(sorted, P95),
	}
}

// Percentile returns sorted[floor(n*p)], with the index clamped to the slice.
// sorted must be in ascending order and non-empty.
func Percentile(sorted []float64, p float64) float64 {
	idx := int(math.Floor(float64(len(sorted)) * p))
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// sampleStdDev uses the n-1 denominator; fewer than two samples yield 0.
func sampleStdDev(values []float64, mean float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// ProblemFrames returns frames whose VMAF is strictly below threshold, worst first,
// truncated to limit. Frames without a VMAF value are never problem frames.
func ProblemFrames(frames []models.FrameMetrics, threshold float64, limit int) []models.FrameMetrics {
	problems := make([]models.FrameMetrics, 0)
	for _, f := range frames {
		if f.VMAF != nil && *f.VMAF < threshold {
			problems = append(problems, f)
		}
	}

	slices.SortStableFunc(problems, func(a, b models.FrameMetrics) int {
		return cmp.Compare(*a.VMAF, *b.VMAF)
	})

	if limit >= 0 && len(problems) > limit {
		problems = problems[:limit]
	}
	return problems
}
