// Package media renders watermarked video renditions with ffmpeg.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/video-publisher/internal/failure"
)

// OverlayPosition anchors the watermark 10px from the bottom-right corner.
const OverlayPosition = "overlay=W-w-10:H-h-10"

// maxDiagnostics bounds how much ffmpeg stderr is kept on an error.
const maxDiagnostics = 4096

// Options configures the ffmpeg invocation.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	CRF         int
	Preset      string
	// Timeout bounds one ffmpeg or ffprobe invocation. Zero means no bound.
	Timeout time.Duration
}

// waitDelay is how long a killed tool may hold its output pipes open.
const waitDelay = 2 * time.Second

// Transformer shells out to ffmpeg and ffprobe.
type Transformer struct {
	opts   Options
	logger *zap.Logger
}

// NewTransformer creates a Transformer. Empty paths default to the binaries on PATH.
func NewTransformer(opts Options, logger *zap.Logger) *Transformer {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.Preset == "" {
		opts.Preset = "veryfast"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{opts: opts, logger: logger}
}

// WatermarkArgs returns the ffmpeg arguments for overlaying watermarkPath onto src.
func (t *Transformer) WatermarkArgs(src, watermarkPath, out string) []string {
	return []string{
		"-y",
		"-i", src,
		"-i", watermarkPath,
		"-filter_complex", OverlayPosition,
		"-c:v", "libx264",
		"-crf", strconv.Itoa(t.opts.CRF),
		"-preset", t.opts.Preset,
		"-c:a", "copy",
		"-movflags", "+faststart",
		out,
	}
}

// Watermark writes a copy of src to out with the watermark image overlaid.
// Any failure is a processing error carrying the tail of ffmpeg's stderr.
func (t *Transformer) Watermark(ctx context.Context, src, watermarkPath, out string) error {
	for _, p := range []string{src, watermarkPath} {
		if _, err := os.Stat(p); err != nil {
			return failure.Processing(fmt.Sprintf("input %s is not readable", p), err)
		}
	}

	runCtx, cancel := t.bound(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.opts.FFmpegPath, t.WatermarkArgs(src, watermarkPath, out)...)
	cmd.WaitDelay = waitDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return failure.Processing("ffmpeg cancelled", ctx.Err())
		}
		if runCtx.Err() != nil {
			fe := failure.Processing(fmt.Sprintf("ffmpeg timed out after %s", t.opts.Timeout), runCtx.Err())
			fe.Diagnostics = tail(stderr.String(), maxDiagnostics)
			return fe
		}
		fe := failure.Processing("ffmpeg execution failed", err)
		fe.Diagnostics = tail(stderr.String(), maxDiagnostics)
		t.logger.Error("ffmpeg failed",
			zap.String("src", src),
			zap.Error(err),
			zap.String("stderr", fe.Diagnostics))
		return fe
	}

	info, err := os.Stat(out)
	if err != nil {
		return failure.Processing("ffmpeg produced no output", err)
	}
	if info.Size() == 0 {
		fe := failure.Processing("ffmpeg produced an empty output", nil)
		fe.Diagnostics = tail(stderr.String(), maxDiagnostics)
		return fe
	}

	t.logger.Debug("watermark rendered", zap.String("out", out), zap.Int64("bytes", info.Size()))
	return nil
}

// Probe returns the duration of the media file in seconds.
func (t *Transformer) Probe(ctx context.Context, path string) (float64, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.opts.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	cmd.WaitDelay = waitDelay
	output, err := cmd.Output()
	if err != nil {
		return 0, failure.Processing("ffprobe failed", err)
	}
	durationStr := strings.TrimSpace(string(output))
	if durationStr == "" {
		return 0, failure.Processing("ffprobe returned no duration", errors.New("empty duration"))
	}
	d, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, failure.Processing("ffprobe returned an invalid duration", err)
	}
	return d, nil
}

// bound applies the configured tool timeout to ctx.
func (t *Transformer) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.opts.Timeout)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
