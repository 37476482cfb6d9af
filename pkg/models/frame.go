package models

// FrameMetrics is the quality of a single frame. A nil metric was not reported for that frame.
type FrameMetrics struct {
	FrameNum int      `json:"frameNum"`
	VMAF     *float64 `json:"vmaf"`
	SSIM     *float64 `json:"ssim"`
	PSNR     *float64 `json:"psnr"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
