// Package decode wraps ffprobe and ffmpeg for video inspection and
// grayscale frame extraction.
package decode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"formsight/internal/services"
)

// Metadata holds the decoded shape of a video source.
type Metadata struct {
	DurationSeconds float64
	Width           int
	Height          int
	FrameRate       float64
	CodecName       string
	SizeBytes       int64
}

// RawFrame is one extracted grayscale frame delivered to the sink callback.
// Pixels is only valid for the duration of the callback.
type RawFrame struct {
	Number    int
	Timestamp time.Duration
	Width     int
	Height    int
	Pixels    []byte
}

// Decoder inspects video files and extracts grayscale frames at a sampled
// rate. An implementation backed by ffprobe/ffmpeg is the production path;
// tests substitute synthetic decoders.
type Decoder interface {
	Probe(ctx context.Context, uri string) (Metadata, error)
	Extract(ctx context.Context, uri string, fps float64, width, height int, sink func(RawFrame) error) error
}

// FFmpegDecoder shells out to the configured ffprobe and ffmpeg binaries.
type FFmpegDecoder struct {
	FFprobe string
	FFmpeg  string
}

// NewFFmpegDecoder builds a decoder; empty binary paths fall back to PATH
// lookup.
func NewFFmpegDecoder(ffprobeBinary, ffmpegBinary string) *FFmpegDecoder {
	return &FFmpegDecoder{FFprobe: ffprobeBinary, FFmpeg: ffmpegBinary}
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

// Probe runs ffprobe and decodes the container and first video stream.
func (d *FFmpegDecoder) Probe(ctx context.Context, uri string) (Metadata, error) {
	binary := strings.TrimSpace(d.FFprobe)
	if binary == "" {
		binary = "ffprobe"
	}
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Metadata{}, services.Wrap(services.ErrValidation, "decode", "probe", "empty video uri", nil)
	}
	if info, err := os.Stat(uri); err != nil {
		return Metadata{}, services.Wrap(services.ErrValidation, "decode", "probe",
			fmt.Sprintf("video source %s is not readable", uri), err)
	} else if info.Size() == 0 {
		return Metadata{}, services.Wrap(services.ErrValidation, "decode", "probe",
			fmt.Sprintf("video source %s is empty", uri), nil)
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", uri)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return Metadata{}, services.Wrap(services.ErrExternalTool, "decode", "probe",
			fmt.Sprintf("ffprobe failed: %s", strings.TrimSpace(string(output))), err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return Metadata{}, services.Wrap(services.ErrExternalTool, "decode", "probe", "ffprobe output was not valid json", err)
	}

	meta := Metadata{}
	meta.DurationSeconds, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	meta.SizeBytes, _ = strconv.ParseInt(parsed.Format.Size, 10, 64)
	for _, stream := range parsed.Streams {
		if !strings.EqualFold(stream.CodecType, "video") {
			continue
		}
		meta.Width = stream.Width
		meta.Height = stream.Height
		meta.CodecName = stream.CodecName
		meta.FrameRate = parseRate(stream.AvgFrameRate)
		if meta.FrameRate == 0 {
			meta.FrameRate = parseRate(stream.RFrameRate)
		}
		break
	}
	if meta.Width == 0 || meta.Height == 0 {
		return Metadata{}, services.Wrap(services.ErrValidation, "decode", "probe",
			fmt.Sprintf("no video stream found in %s", uri), nil)
	}
	if meta.DurationSeconds <= 0 {
		return Metadata{}, services.Wrap(services.ErrValidation, "decode", "probe",
			fmt.Sprintf("video %s reports no duration", uri), nil)
	}
	return meta, nil
}

// Extract streams grayscale rawvideo from ffmpeg at the sampled fps and
// scaled dimensions, invoking sink once per complete frame. A sink error
// stops extraction and kills the decoder.
func (d *FFmpegDecoder) Extract(ctx context.Context, uri string, fps float64, width, height int, sink func(RawFrame) error) error {
	binary := strings.TrimSpace(d.FFmpeg)
	if binary == "" {
		binary = "ffmpeg"
	}
	if fps <= 0 || width <= 0 || height <= 0 {
		return services.Wrap(services.ErrValidation, "decode", "extract",
			fmt.Sprintf("invalid extraction parameters fps=%.2f width=%d height=%d", fps, width, height), nil)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", uri,
		"-vf", fmt.Sprintf("fps=%.4f,scale=%d:%d", fps, width, height),
		"-pix_fmt", "gray",
		"-f", "rawvideo",
		"-",
	}
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "decode", "extract", "attach ffmpeg stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return services.Wrap(services.ErrExternalTool, "decode", "extract", "start ffmpeg", err)
	}

	frameBytes := width * height
	buf := make([]byte, frameBytes)
	number := 0
	interval := time.Duration(float64(time.Second) / fps)
	var sinkErr error
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			break
		}
		frame := RawFrame{
			Number:    number,
			Timestamp: time.Duration(number) * interval,
			Width:     width,
			Height:    height,
			Pixels:    buf,
		}
		if sinkErr = sink(frame); sinkErr != nil {
			_ = cmd.Process.Kill()
			break
		}
		number++
	}
	waitErr := cmd.Wait()
	if sinkErr != nil {
		return sinkErr
	}
	if waitErr != nil {
		return services.Wrap(services.ErrExternalTool, "decode", "extract",
			fmt.Sprintf("ffmpeg failed: %s", strings.TrimSpace(stderr.String())), waitErr)
	}
	if number == 0 {
		return services.Wrap(services.ErrValidation, "decode", "extract",
			fmt.Sprintf("no frames decoded from %s", uri), nil)
	}
	return nil
}

func parseRate(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0/0" {
		return 0
	}
	if num, den, ok := strings.Cut(raw, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return value
}
