package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/amillerrr/video-qc/pkg/models"
)

// Feature keys in the libvmaf JSON log.
const (
	metricVMAF   = "vmaf"
	metricSSIM   = "float_ssim"
	metricPSNR   = "psnr_y"
	metricMSSSIM = "float_ms_ssim"
)

// Result is the parsed outcome of a completed comparison.
type Result struct {
	Scores models.QualityScores
	Frames []models.FrameMetrics
	Model  string
}

type vmafLog struct {
	Frames []struct {
		FrameNum int                `json:"frameNum"`
		Metrics  map[string]float64 `json:"metrics"`
	} `json:"frames"`
	PooledMetrics map[string]pooledMetric `json:"pooled_metrics"`
}

type pooledMetric struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// ParseResultFile reads and parses a libvmaf JSON log from disk.
func ParseResultFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrResultParse, err)
	}
	defer f.Close()

	return ParseResult(f)
}

// ParseResult parses a libvmaf JSON log. Per-frame metrics absent from the log are
// left nil. VMAF aggregates come from the pooled metrics; SSIM and PSNR means are
// computed over the frames that report them.
func ParseResult(r io.Reader) (*Result, error) {
	var vlog vmafLog
	if err := json.NewDecoder(r).Decode(&vlog); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrResultParse, err)
	}

	result := &Result{Frames: make([]models.FrameMetrics, 0, len(vlog.Frames))}

	var ssimSum, psnrSum float64
	var ssimN, psnrN int
	var vmafValues []float64

	for _, fr := range vlog.Frames {
		fm := models.FrameMetrics{FrameNum: fr.FrameNum}
		if v, ok := fr.Metrics[metricVMAF]; ok {
			fm.VMAF = models.Float(v)
			vmafValues = append(vmafValues, v)
		}
		if v, ok := fr.Metrics[metricSSIM]; ok {
			fm.SSIM = models.Float(v)
			ssimSum += v
			ssimN++
		}
		if v, ok := fr.Metrics[metricPSNR]; ok {
			fm.PSNR = models.Float(v)
			psnrSum += v
			psnrN++
		}
		result.Frames = append(result.Frames, fm)
	}

	if pooled, ok := vlog.PooledMetrics[metricVMAF]; ok {
		result.Scores.VMAFMean = pooled.Mean
		result.Scores.VMAFMin = pooled.Min
		result.Scores.VMAFMax = pooled.Max
	} else {
		mean, lo, hi := summarize(vmafValues)
		result.Scores.VMAFMean = mean
		result.Scores.VMAFMin = lo
		result.Scores.VMAFMax = hi
	}

	result.Scores.SSIMMean = meanOf(ssimSum, ssimN)
	result.Scores.PSNRMean = meanOf(psnrSum, psnrN)

	if pooled, ok := vlog.PooledMetrics[metricMSSSIM]; ok {
		result.Scores.MSSSIMMean = models.Float(pooled.Mean)
	}

	return result, nil
}

func meanOf(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func summarize(values []float64) (mean, lo, hi float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	lo, hi = values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return sum / float64(len(values)), lo, hi
}
