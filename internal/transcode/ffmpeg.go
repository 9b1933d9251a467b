package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FFmpegConfig configures the external ffmpeg pipeline.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string

	// HardwareDecoder, when set, is passed to ffmpeg as -c:v before the
	// input (for example h264_cuvid). Empty means software decode.
	HardwareDecoder string

	VideoCodec   string
	Preset       string
	CRF          int
	AudioCodec   string
	AudioBitrate string

	HLSTime int

	Logger *slog.Logger
}

// FFmpegPipeline runs ffmpeg to produce HLS output and ffprobe to read
// source durations.
type FFmpegPipeline struct {
	cfg FFmpegConfig
}

// NewFFmpegPipeline fills config defaults and returns a pipeline.
func NewFFmpegPipeline(cfg FFmpegConfig) *FFmpegPipeline {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = "libx264"
	}
	if cfg.Preset == "" {
		cfg.Preset = "veryfast"
	}
	if cfg.CRF <= 0 {
		cfg.CRF = 23
	}
	if cfg.AudioCodec == "" {
		cfg.AudioCodec = "aac"
	}
	if cfg.AudioBitrate == "" {
		cfg.AudioBitrate = "128k"
	}
	if cfg.HLSTime <= 0 {
		cfg.HLSTime = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FFmpegPipeline{cfg: cfg}
}

var (
	_ Pipeline    = (*FFmpegPipeline)(nil)
	_ Thumbnailer = (*FFmpegPipeline)(nil)
)

// Duration reads the source duration in seconds with ffprobe.
func (p *FFmpegPipeline) Duration(ctx context.Context, input string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	durationStr := strings.TrimSpace(string(output))
	if durationStr == "" {
		return 0, errors.New("ffprobe returned empty duration")
	}
	return strconv.ParseFloat(durationStr, 64)
}

func (p *FFmpegPipeline) buildArgs(input, outputDir string) []string {
	args := []string{"-y"}
	if p.cfg.HardwareDecoder != "" {
		args = append(args, "-c:v", p.cfg.HardwareDecoder)
	}
	args = append(args,
		"-i", input,
		"-c:v", p.cfg.VideoCodec,
		"-preset", p.cfg.Preset,
		"-crf", strconv.Itoa(p.cfg.CRF),
		"-c:a", p.cfg.AudioCodec,
		"-b:a", p.cfg.AudioBitrate,
		"-f", "hls",
		"-hls_time", strconv.Itoa(p.cfg.HLSTime),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(outputDir, "segment_%06d.ts")),
		"-progress", "pipe:1",
		"-nostats",
		filepath.ToSlash(filepath.Join(outputDir, "index.m3u8")),
	)
	return args
}

// Run transcodes input into HLS output under outputDir, reporting progress
// as ffmpeg advances through the source.
func (p *FFmpegPipeline) Run(ctx context.Context, input, outputDir string, progress func(int)) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("prepare output dir: %w", err)
	}
	duration, err := p.Duration(ctx, input)
	if err != nil {
		p.cfg.Logger.Warn("source duration unavailable", "input", input, "error", err)
		duration = 0
	}

	cmd := exec.CommandContext(ctx, p.cfg.FFmpegPath, p.buildArgs(input, outputDir)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			if duration <= 0 || progress == nil {
				continue
			}
			micros, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				continue
			}
			pct := int(math.Min(100, math.Max(0, micros/1e6/duration*100)))
			progress(pct)
		case "progress":
			if strings.TrimSpace(value) == "end" && progress != nil {
				progress(100)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		detail := lastStderrLines(stderrBuf.String(), 5)
		if detail != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, detail)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

// Thumbnail grabs a frame for preview at thirty seconds in, or at thirty
// percent of the source when it is shorter than that.
func (p *FFmpegPipeline) Thumbnail(ctx context.Context, input, dest string) error {
	offset := 30.0
	if duration, err := p.Duration(ctx, input); err == nil && duration > 0 && duration < offset {
		offset = duration * 0.3
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, p.cfg.FFmpegPath,
		"-y",
		"-ss", strconv.FormatFloat(offset, 'f', 2, 64),
		"-i", input,
		"-frames:v", "1",
		"-q:v", "3",
		dest,
	)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf
	if err := cmd.Run(); err != nil {
		detail := lastStderrLines(stderrBuf.String(), 3)
		if detail != "" {
			return fmt.Errorf("thumbnail: %w: %s", err, detail)
		}
		return fmt.Errorf("thumbnail: %w", err)
	}
	return nil
}

func lastStderrLines(output string, n int) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, " | ")
}
