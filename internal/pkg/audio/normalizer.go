package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Canonical encoding parameters. Every normalized artifact is an mp3 with
// these exact settings; the analysis provider and the web player both expect
// them.
const (
	CanonicalSampleRate = 44100
	CanonicalChannels   = 2
	CanonicalBitrate    = "192k"
	CanonicalCodec      = "mp3"
	CanonicalExt        = ".mp3"
)

// ErrConversionFailed is returned when the transcode process exits non-zero
// or cannot be started. The partially written output file is removed before
// returning, so callers never see a half-transcoded artifact.
var ErrConversionFailed = errors.New("audio conversion failed")

// Normalizer converts arbitrary audio containers into the canonical encoding
// by shelling out to ffmpeg.
type Normalizer struct {
	FFmpegPath  string
	FFprobePath string
	Timeout     time.Duration
}

func NewNormalizer(ffmpegPath, ffprobePath string, timeout time.Duration) *Normalizer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Normalizer{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Timeout: timeout}
}

// Result describes the outcome of a normalization pass.
type Result struct {
	Path        string // path of the canonical artifact
	IsConverted bool   // false when the source was already canonical
}

// IsCanonical reports whether a filename extension already denotes the
// canonical codec (case-insensitive, as uploads arrive with .MP3/.Mp3 too).
func IsCanonical(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), CanonicalExt)
}

// ConvertArgs builds the ffmpeg argument list for a source/destination pair.
func ConvertArgs(srcPath, dstPath string) []string {
	return []string{
		"-i", srcPath,
		"-vn",
		"-ar", fmt.Sprintf("%d", CanonicalSampleRate),
		"-ac", fmt.Sprintf("%d", CanonicalChannels),
		"-b:a", CanonicalBitrate,
		dstPath,
	}
}

// OutputPath returns where the normalized artifact for srcPath is written.
// The output lives adjacent to the source; the caller owns cleanup of both.
func OutputPath(srcPath string) string {
	return srcPath + CanonicalExt
}

// Normalize produces a canonical-encoding artifact for the file at srcPath.
// originalName must carry a recognizable extension; when it is already
// canonical the source path is returned unchanged with IsConverted=false.
func (n *Normalizer) Normalize(ctx context.Context, srcPath, originalName string) (*Result, error) {
	if filepath.Ext(originalName) == "" {
		return nil, fmt.Errorf("%w: filename %q has no extension", ErrConversionFailed, originalName)
	}

	if IsCanonical(originalName) {
		return &Result{Path: srcPath, IsConverted: false}, nil
	}

	dstPath := OutputPath(srcPath)

	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, n.FFmpegPath, ConvertArgs(srcPath, dstPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Never leave a partially written file behind for the caller to upload.
		_ = os.Remove(dstPath)
		return nil, fmt.Errorf("%w: %v: %s", ErrConversionFailed, err, strings.TrimSpace(stderr.String()))
	}

	if _, err := os.Stat(dstPath); err != nil {
		return nil, fmt.Errorf("%w: no output produced: %v", ErrConversionFailed, err)
	}

	// Verify the transcode actually produced the canonical codec. A probe
	// process failure is logged, not fatal; a wrong codec is.
	codec, err := n.ProbeCodec(ctx, dstPath)
	if err != nil {
		log.Printf("WARN: cannot probe transcoded output %s: %v", dstPath, err)
	} else if codec != CanonicalCodec {
		_ = os.Remove(dstPath)
		return nil, fmt.Errorf("%w: output codec %q, want %q", ErrConversionFailed, codec, CanonicalCodec)
	}

	return &Result{Path: dstPath, IsConverted: true}, nil
}

// ProbeCodec returns the codec name of the first audio stream, e.g. "mp3".
func (n *Normalizer) ProbeCodec(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, n.FFprobePath,
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// MimeTypeFromExtension returns the MIME type for common audio extensions.
func MimeTypeFromExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".flac":
		return "audio/flac"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".aac":
		return "audio/aac"
	case ".m4a":
		return "audio/mp4"
	case ".ogg", ".oga":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
