package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/amillerrr/video-qc/pkg/models"
)

// 4K model thresholds.
const (
	UHDWidth  = 3840
	UHDHeight = 2160
)

// IsUHD reports whether a resolution calls for the 4K model.
func IsUHD(width, height int) bool {
	return width >= UHDWidth || height >= UHDHeight
}

// SelectModel returns the model path for the reference resolution.
func (e *Engine) SelectModel(width, height int) string {
	if IsUHD(width, height) {
		return e.config.Model4KPath
	}
	return e.config.ModelPath
}

// ModelName derives the model identifier from its file path,
// e.g. "/usr/share/model/vmaf_v0.6.1.json" yields "vmaf_v0.6.1".
func ModelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// BuildFilterGraph generates the libvmaf filter graph. Input 0 is the distorted
// video and input 1 the reference. The distorted stream is scaled to the reference
// resolution when the two differ.
func BuildFilterGraph(ref, dist models.VideoMetadata, modelPath, logPath string, threads int) string {
	if threads < 1 {
		threads = 1
	}

	var scale string
	if ref.Width != dist.Width || ref.Height != dist.Height {
		scale = fmt.Sprintf("scale=%d:%d:flags=bicubic,", ref.Width, ref.Height)
	}

	var filter strings.Builder
	filter.WriteString(fmt.Sprintf("[0:v]%ssetpts=PTS-STARTPTS[distorted];", scale))
	filter.WriteString("[1:v]setpts=PTS-STARTPTS[reference];")
	filter.WriteString(fmt.Sprintf(
		"[distorted][reference]libvmaf=log_fmt=json:log_path=%s:model=path=%s:n_threads=%d:feature=name=psnr|name=float_ssim",
		escapeFilterValue(logPath), escapeFilterValue(modelPath), threads,
	))
	return filter.String()
}

var (
	optionEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	graphEscaper  = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `[`, `\[`, `]`, `\]`, `,`, `\,`, `;`, `\;`)
)

// escapeFilterValue quotes s for use as a filter option value inside a filter
// graph. ffmpeg unescapes twice: once when splitting the graph and again when
// parsing the filter's options.
func escapeFilterValue(s string) string {
	return graphEscaper.Replace(optionEscaper.Replace(s))
}

// buildCompareArgs constructs the ffmpeg arguments for a comparison run.
func buildCompareArgs(referencePath, distortedPath, filter string) []string {
	return []string{
		"-hide_banner",
		"-nostats",
		"-progress", "pipe:1",
		"-i", distortedPath,
		"-i", referencePath,
		"-lavfi", filter,
		"-f", "null", "-",
	}
}
