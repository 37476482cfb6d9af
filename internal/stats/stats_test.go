package stats

import (
	"encoding/json"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/amillerrr/video-qc/pkg/models"
)

func vmafFrames(scores ...float64) []models.FrameMetrics {
	frames := make([]models.FrameMetrics, len(scores))
	for i, s := range scores {
		frames[i] = models.FrameMetrics{FrameNum: i, VMAF: models.Float(s)}
	}
	return frames
}

func TestPercentileTwentyValues(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = float64(i + 1)
	}

	// floor(20*0.05) = 1, the second smallest.
	if got := Percentile(values, P5); got != 2 {
		t.Errorf("P5 = %v, want 2", got)
	}
	// floor(20*0.95) = 19, the maximum.
	if got := Percentile(values, P95); got != 20 {
		t.Errorf("P95 = %v, want 20", got)
	}
}

func TestPercentileClamps(t *testing.T) {
	values := []float64{1, 2, 3}

	if got := Percentile(values, 1.0); got != 3 {
		t.Errorf("Percentile(1.0) = %v, want 3", got)
	}
	if got := Percentile(values, -0.5); got != 1 {
		t.Errorf("Percentile(-0.5) = %v, want 1", got)
	}
	if got := Percentile([]float64{7}, P95); got != 7 {
		t.Errorf("single value P95 = %v, want 7", got)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   *Summary
	}{
		{
			name:   "empty",
			values: nil,
			want:   nil,
		},
		{
			name:   "single",
			values: []float64{42},
			want:   &Summary{Count: 1, Mean: 42, Min: 42, Max: 42, Median: 42, StdDev: 0, P5: 42, P95: 42},
		},
		{
			name:   "odd count unsorted",
			values: []float64{5, 1, 3},
			want:   &Summary{Count: 3, Mean: 3, Min: 1, Max: 5, Median: 3, StdDev: 2, P5: 1, P95: 5},
		},
		{
			name:   "even count",
			values: []float64{2, 4, 4, 4, 5, 5, 7, 9},
			want:   &Summary{Count: 8, Mean: 5, Min: 2, Max: 9, Median: 4.5, StdDev: math.Sqrt(32.0 / 7.0), P5: 2, P95: 9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.values)
			if tt.want == nil {
				if got != nil {
					t.Errorf("Summarize() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("Summarize() = nil")
			}
			if math.Abs(got.StdDev-tt.want.StdDev) > 1e-9 {
				t.Errorf("StdDev = %v, want %v", got.StdDev, tt.want.StdDev)
			}
			got.StdDev = tt.want.StdDev
			if *got != *tt.want {
				t.Errorf("Summarize() = %+v, want %+v", *got, *tt.want)
			}
		})
	}
}

func TestSummarizeDoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 2}
	Summarize(values)
	if !slices.Equal(values, []float64{3, 1, 2}) {
		t.Errorf("input mutated: %v", values)
	}
}

func TestComputeOmitsAbsentMetrics(t *testing.T) {
	frames := []models.FrameMetrics{
		{FrameNum: 0, VMAF: models.Float(90), PSNR: models.Float(40)},
		{FrameNum: 1, VMAF: models.Float(80)},
	}

	got := Compute(frames)

	if got.VMAF == nil || got.VMAF.Count != 2 {
		t.Errorf("VMAF = %+v, want 2 samples", got.VMAF)
	}
	if got.PSNR == nil || got.PSNR.Count != 1 {
		t.Errorf("PSNR = %+v, want 1 sample", got.PSNR)
	}
	if got.SSIM != nil {
		t.Errorf("SSIM = %+v, want nil", got.SSIM)
	}

	data, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "ssim") {
		t.Errorf("absent metric serialized: %s", data)
	}
}

func TestProblemFrames(t *testing.T) {
	frames := vmafFrames(80, 60, 95, 40, 70)

	got := ProblemFrames(frames, 70, 10)

	var scores []float64
	for _, f := range got {
		scores = append(scores, *f.VMAF)
	}
	if want := []float64{40, 60}; !slices.Equal(scores, want) {
		t.Errorf("ProblemFrames() scores = %v, want %v", scores, want)
	}
	if got[0].FrameNum != 3 || got[1].FrameNum != 1 {
		t.Errorf("frame numbers = %d,%d, want 3,1", got[0].FrameNum, got[1].FrameNum)
	}
}

func TestProblemFramesLimitAndMissing(t *testing.T) {
	frames := vmafFrames(10, 20, 30, 40)
	frames = append(frames, models.FrameMetrics{FrameNum: 9, SSIM: models.Float(0.5)})

	got := ProblemFrames(frames, 100, 2)
	if len(got) != 2 || *got[0].VMAF != 10 || *got[1].VMAF != 20 {
		t.Errorf("ProblemFrames() = %v, want the two worst", got)
	}

	if got := ProblemFrames(nil, 70, 10); got == nil || len(got) != 0 {
		t.Errorf("ProblemFrames(nil) = %v, want empty slice", got)
	}
}

func TestPage(t *testing.T) {
	frames := vmafFrames(1, 2, 3, 4, 5)

	tests := []struct {
		name      string
		skip      int
		limit     int
		fps       float64
		wantNums  []int
		wantFirst float64
	}{
		{"first page", 0, 2, 25, []int{0, 1}, 0},
		{"middle page", 2, 2, 25, []int{2, 3}, 0.08},
		{"tail", 4, 10, 25, []int{4}, 0.16},
		{"past end", 10, 5, 25, []int{}, 0},
		{"unknown rate", 3, 1, 0, []int{3}, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Page(frames, tt.skip, tt.limit, tt.fps)
			nums := make([]int, 0, len(got))
			for _, f := range got {
				nums = append(nums, f.FrameNum)
			}
			if !slices.Equal(nums, tt.wantNums) {
				t.Errorf("Page() frames = %v, want %v", nums, tt.wantNums)
			}
			if len(got) > 0 && math.Abs(got[0].Timestamp-tt.wantFirst) > 1e-9 {
				t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, tt.wantFirst)
			}
		})
	}
}
