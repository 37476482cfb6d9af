package engine

import (
	"slices"
	"strings"
	"testing"
)

func TestScanProgress(t *testing.T) {
	input := strings.Join([]string{
		"frame=10",
		"fps=25.0",
		"frame=10",
		"frame=garbage",
		"out_time=00:00:01",
		"frame=20",
		"  frame=15  ",
		"progress=continue",
		"frame=40",
		"progress=end",
	}, "\n")

	var frames []int
	var percents []float64
	for p := range ScanProgress(strings.NewReader(input), 40) {
		frames = append(frames, p.CurrentFrame)
		percents = append(percents, p.Percent)
		if p.TotalFrames != 40 {
			t.Errorf("TotalFrames = %d, want 40", p.TotalFrames)
		}
	}

	if want := []int{10, 20, 40}; !slices.Equal(frames, want) {
		t.Errorf("frames = %v, want %v", frames, want)
	}
	if want := []float64{25, 50, 100}; !slices.Equal(percents, want) {
		t.Errorf("percents = %v, want %v", percents, want)
	}
}

func TestScanProgressCapsAndUnknownTotal(t *testing.T) {
	for p := range ScanProgress(strings.NewReader("frame=120\n"), 100) {
		if p.Percent != 100 {
			t.Errorf("Percent = %v, want 100", p.Percent)
		}
	}

	for p := range ScanProgress(strings.NewReader("frame=5\n"), 0) {
		if p.Percent != 0 {
			t.Errorf("Percent with unknown total = %v, want 0", p.Percent)
		}
	}
}

func TestScanProgressStopsEarly(t *testing.T) {
	input := "frame=1\nframe=2\nframe=3\n"

	count := 0
	for range ScanProgress(strings.NewReader(input), 3) {
		count++
		if count == 2 {
			break
		}
	}

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}
