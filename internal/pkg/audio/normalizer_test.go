package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsCanonical(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"track.mp3", true},
		{"track.MP3", true},
		{"track.Mp3", true},
		{"track.wav", false},
		{"track.flac", false},
		{"track", false},
		{"track.mp3.wav", false},
	}

	for _, tc := range cases {
		if got := IsCanonical(tc.name); got != tc.want {
			t.Errorf("IsCanonical(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestConvertArgs(t *testing.T) {
	args := ConvertArgs("/tmp/in.wav", "/tmp/in.wav.mp3")

	want := []string{"-i", "/tmp/in.wav", "-vn", "-ar", "44100", "-ac", "2", "-b:a", "192k", "/tmp/in.wav.mp3"}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d: %v", len(want), len(args), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestOutputPath(t *testing.T) {
	if got := OutputPath("/tmp/upload-123.wav"); got != "/tmp/upload-123.wav.mp3" {
		t.Errorf("unexpected output path %q", got)
	}
}

func TestNormalize(t *testing.T) {
	t.Run("Canonical Input Short-Circuits", func(t *testing.T) {
		// ffmpeg binary deliberately points at nothing; it must not be invoked.
		n := NewNormalizer("/nonexistent/ffmpeg", "/nonexistent/ffprobe", time.Minute)

		src := filepath.Join(t.TempDir(), "upload")
		if err := os.WriteFile(src, []byte("mp3-bytes"), 0o644); err != nil {
			t.Fatal(err)
		}

		res, err := n.Normalize(context.Background(), src, "track.mp3")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.IsConverted {
			t.Error("expected IsConverted=false for canonical input")
		}
		if res.Path != src {
			t.Errorf("expected same path back, got %q", res.Path)
		}
	})

	t.Run("Missing Extension", func(t *testing.T) {
		n := NewNormalizer("/nonexistent/ffmpeg", "/nonexistent/ffprobe", time.Minute)

		_, err := n.Normalize(context.Background(), "/tmp/whatever", "track")
		if !errors.Is(err, ErrConversionFailed) {
			t.Errorf("expected ErrConversionFailed, got %v", err)
		}
	})

	t.Run("Transcode Process Failure", func(t *testing.T) {
		n := NewNormalizer("/nonexistent/ffmpeg", "/nonexistent/ffprobe", time.Minute)

		src := filepath.Join(t.TempDir(), "upload.wav")
		if err := os.WriteFile(src, []byte("wav-bytes"), 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := n.Normalize(context.Background(), src, "track.wav")
		if !errors.Is(err, ErrConversionFailed) {
			t.Fatalf("expected ErrConversionFailed, got %v", err)
		}

		// No partial output may be left behind.
		if _, statErr := os.Stat(OutputPath(src)); !os.IsNotExist(statErr) {
			t.Error("expected no output file after failed conversion")
		}
	})

	t.Run("Fake FFmpeg Produces Output", func(t *testing.T) {
		// Stand-in transcoder: a shell script that writes its last argument.
		// The unavailable ffprobe makes verification a logged warning only.
		dir := t.TempDir()
		fake := filepath.Join(dir, "ffmpeg")
		script := "#!/bin/sh\nfor last; do :; done\necho converted > \"$last\"\n"
		if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}

		n := NewNormalizer(fake, "/nonexistent/ffprobe", time.Minute)

		src := filepath.Join(dir, "upload.wav")
		if err := os.WriteFile(src, []byte("wav-bytes"), 0o644); err != nil {
			t.Fatal(err)
		}

		res, err := n.Normalize(context.Background(), src, "track.wav")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !res.IsConverted {
			t.Error("expected IsConverted=true")
		}
		if res.Path != OutputPath(src) {
			t.Errorf("unexpected output path %q", res.Path)
		}
	})

	t.Run("Probed Output Codec Passes Verification", func(t *testing.T) {
		dir := t.TempDir()
		n := NewNormalizer(fakeTranscoder(t, dir), fakeProber(t, dir, "mp3"), time.Minute)

		src := filepath.Join(dir, "upload.wav")
		if err := os.WriteFile(src, []byte("wav-bytes"), 0o644); err != nil {
			t.Fatal(err)
		}

		res, err := n.Normalize(context.Background(), src, "track.wav")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !res.IsConverted {
			t.Error("expected IsConverted=true")
		}
	})

	t.Run("Wrong Output Codec Is Rejected", func(t *testing.T) {
		dir := t.TempDir()
		n := NewNormalizer(fakeTranscoder(t, dir), fakeProber(t, dir, "aac"), time.Minute)

		src := filepath.Join(dir, "upload.wav")
		if err := os.WriteFile(src, []byte("wav-bytes"), 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := n.Normalize(context.Background(), src, "track.wav")
		if !errors.Is(err, ErrConversionFailed) {
			t.Fatalf("expected ErrConversionFailed, got %v", err)
		}

		// The mis-encoded output must not be left behind.
		if _, statErr := os.Stat(OutputPath(src)); !os.IsNotExist(statErr) {
			t.Error("expected no output file after rejected conversion")
		}
	})
}

// fakeTranscoder writes a shell script that creates its last argument.
func fakeTranscoder(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\necho converted > \"$last\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeProber writes a shell script that reports a fixed codec name.
func fakeProber(t *testing.T, dir, codec string) string {
	t.Helper()
	path := filepath.Join(dir, "ffprobe")
	script := "#!/bin/sh\necho " + codec + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbeCodec(t *testing.T) {
	dir := t.TempDir()
	n := NewNormalizer("/nonexistent/ffmpeg", fakeProber(t, dir, "mp3"), time.Minute)

	codec, err := n.ProbeCodec(context.Background(), "/tmp/whatever.mp3")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if codec != "mp3" {
		t.Errorf("codec = %q, want %q", codec, "mp3")
	}

	n = NewNormalizer("/nonexistent/ffmpeg", "/nonexistent/ffprobe", time.Minute)
	if _, err := n.ProbeCodec(context.Background(), "/tmp/whatever.mp3"); err == nil {
		t.Error("expected error for missing prober")
	}
}

func TestMimeTypeFromExtension(t *testing.T) {
	cases := map[string]string{
		".mp3":  "audio/mpeg",
		".MP3":  "audio/mpeg",
		".wav":  "audio/wav",
		".flac": "audio/flac",
		".m4a":  "audio/mp4",
		".ogg":  "audio/ogg",
		".xyz":  "application/octet-stream",
	}
	for ext, want := range cases {
		if got := MimeTypeFromExtension(ext); got != want {
			t.Errorf("MimeTypeFromExtension(%q) = %q, want %q", ext, got, want)
		}
	}
}
