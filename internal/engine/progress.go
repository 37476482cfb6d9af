package engine

import (
	"bufio"
	"io"
	"iter"
	"strconv"
	"strings"
)

// Progress reports how far a comparison has advanced.
type Progress struct {
	CurrentFrame int
	TotalFrames  int
	Percent      float64
}

// ScanProgress parses an ffmpeg -progress stream into a lazy sequence of updates.
// An update is produced only when the frame counter advances; malformed lines are
// skipped. The sequence ends when r is exhausted and cannot be restarted.
func ScanProgress(r io.Reader, totalFrames int) iter.Seq[Progress] {
	return func(yield func(Progress) bool) {
		scanner := bufio.NewScanner(r)
		last := 0
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			value, ok := strings.CutPrefix(line, "frame=")
			if !ok {
				continue
			}

			frame, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || frame <= last {
				continue
			}
			last = frame

			if !yield(Progress{
				CurrentFrame: frame,
				TotalFrames:  totalFrames,
				Percent:      percentOf(frame, totalFrames),
			}) {
				return
			}
		}
	}
}

// percentOf returns frame/total as a percentage capped at 100.
func percentOf(frame, total int) float64 {
	if total <= 0 {
		return 0
	}
	return min(float64(frame)/float64(total)*100, 100)
}
