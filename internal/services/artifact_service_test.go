package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/songanizer/backend/internal/config"
)

// fakeObjectStore records uploads and deletes in memory.
type fakeObjectStore struct {
	objects   map[string][]byte
	deletes   []string
	uploadErr error
	deleteErr error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) UploadMedia(ctx context.Context, bucket, key string, body io.Reader, ctype string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjectStore) DeleteMedia(ctx context.Context, bucket, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	// Missing objects are not an error, mirroring the S3 wrapper.
	delete(f.objects, bucket+"/"+key)
	f.deletes = append(f.deletes, bucket+"/"+key)
	return nil
}

func (f *fakeObjectStore) DownloadMedia(ctx context.Context, bucket, key string) (*manager.WriteAtBuffer, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return manager.NewWriteAtBuffer(append([]byte(nil), data...)), nil
}

func (f *fakeObjectStore) PresignMediaGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://signed.example.com/%s/%s?ttl=%d", bucket, key, int(ttl.Seconds())), nil
}

func (f *fakeObjectStore) MediaURL(bucket, key string) string {
	return fmt.Sprintf("https://public.example.com/%s/%s", bucket, key)
}

func testArtifactConfig() *config.Config {
	return &config.Config{MediaAudioBucket: "songanizer", MediaURLTTLMinutes: 60}
}

func TestSanitizeKeyHint(t *testing.T) {
	got := sanitizeKeyHint("my+track-v2~final mix.mp3")
	if strings.ContainsAny(got, "+-~ ") {
		t.Errorf("sanitized hint still contains forbidden characters: %q", got)
	}
	if got != "my_track_v2_final_mix.mp3" {
		t.Errorf("unexpected sanitized hint %q", got)
	}
}

func TestBuildKey(t *testing.T) {
	svc := NewArtifactService(newFakeObjectStore(), testArtifactConfig())

	key := svc.BuildKey("owner-1", "songs", "songfile_42_abcd1234", "My Track.wav")
	if !strings.HasPrefix(key, "users/owner-1/songs/songfile_42_abcd1234/") {
		t.Errorf("key not scoped under owner/category/folder: %q", key)
	}
	if !strings.HasSuffix(key, ".wav") {
		t.Errorf("key lost its extension: %q", key)
	}
	if strings.Contains(key, " ") {
		t.Errorf("key contains spaces: %q", key)
	}
}

func TestNewFolderUnique(t *testing.T) {
	svc := NewArtifactService(newFakeObjectStore(), testArtifactConfig())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		f := svc.NewFolder()
		if seen[f] {
			t.Fatalf("duplicate folder name %q", f)
		}
		seen[f] = true
	}
}

func TestPutAndRefRoundTrip(t *testing.T) {
	store := newFakeObjectStore()
	svc := NewArtifactService(store, testArtifactConfig())

	ref, err := svc.Put(context.Background(), "owner-1", "songs", svc.NewFolder(), "track.mp3", bytes.NewReader([]byte("audio")), "audio/mpeg")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	bucket, key, err := ParseRef(ref)
	if err != nil {
		t.Fatalf("stored ref must parse back: %v", err)
	}
	if bucket != "songanizer" {
		t.Errorf("expected bucket songanizer, got %q", bucket)
	}
	if _, ok := store.objects[bucket+"/"+key]; !ok {
		t.Errorf("object not stored under parsed key %q", key)
	}
}

func TestPutUploadFailure(t *testing.T) {
	store := newFakeObjectStore()
	store.uploadErr = errors.New("boom")
	svc := NewArtifactService(store, testArtifactConfig())

	_, err := svc.Put(context.Background(), "owner-1", "songs", "f", "track.mp3", bytes.NewReader(nil), "audio/mpeg")
	if err == nil {
		t.Fatal("expected error from failed upload")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	store := newFakeObjectStore()
	svc := NewArtifactService(store, testArtifactConfig())

	ref, err := svc.Put(context.Background(), "owner-1", "songs", "f", "track.mp3", bytes.NewReader([]byte("x")), "audio/mpeg")
	if err != nil {
		t.Fatal(err)
	}

	if !svc.Delete(context.Background(), ref) {
		t.Error("first delete should succeed")
	}
	if !svc.Delete(context.Background(), ref) {
		t.Error("second delete of the same ref should also succeed")
	}
}

func TestDeleteNeverPanicsOnBadRef(t *testing.T) {
	svc := NewArtifactService(newFakeObjectStore(), testArtifactConfig())

	if svc.Delete(context.Background(), "no-slash-here") {
		t.Error("unparseable ref should report failure, not success")
	}
	if svc.Delete(context.Background(), "") {
		t.Error("empty ref should report failure")
	}
}

func TestDeleteBackendFailureSwallowed(t *testing.T) {
	store := newFakeObjectStore()
	store.deleteErr = errors.New("backend down")
	svc := NewArtifactService(store, testArtifactConfig())

	// Must not panic or raise; the boolean carries the outcome.
	if svc.Delete(context.Background(), "songanizer/users/o/songs/f/x.mp3") {
		t.Error("backend failure should report false")
	}
}

func TestURL(t *testing.T) {
	t.Run("Private Bucket Presigns", func(t *testing.T) {
		svc := NewArtifactService(newFakeObjectStore(), testArtifactConfig())

		u, err := svc.URL(context.Background(), "songanizer/users/o/songs/f/x.mp3")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(u, "https://signed.example.com/") {
			t.Errorf("expected presigned URL, got %q", u)
		}
	})

	t.Run("Public Bucket Uses Direct URL", func(t *testing.T) {
		cfg := testArtifactConfig()
		cfg.MediaPublicRead = true
		svc := NewArtifactService(newFakeObjectStore(), cfg)

		u, err := svc.URL(context.Background(), "songanizer/users/o/songs/f/x.mp3")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(u, "https://public.example.com/") {
			t.Errorf("expected public URL, got %q", u)
		}
	})
}

func TestParseRef(t *testing.T) {
	if _, _, err := ParseRef("bucket/"); err == nil {
		t.Error("expected error for empty key")
	}
	if _, _, err := ParseRef("/key"); err == nil {
		t.Error("expected error for empty bucket")
	}
	b, k, err := ParseRef("bucket/users/o/songs/f/x.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if b != "bucket" || k != "users/o/songs/f/x.mp3" {
		t.Errorf("unexpected parse result %q %q", b, k)
	}
}

func TestRefFolder(t *testing.T) {
	folder, err := RefFolder("bucket/users/o/songs/songfile_7/x.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if folder != "songfile_7" {
		t.Errorf("folder = %q, want %q", folder, "songfile_7")
	}

	// Photo refs carry an extra subpath segment; the folder stays the same.
	folder, err = RefFolder("bucket/users/o/songs/songfile_7/playlist_photo/c.png")
	if err != nil {
		t.Fatal(err)
	}
	if folder != "songfile_7" {
		t.Errorf("folder = %q, want %q", folder, "songfile_7")
	}

	if _, err := RefFolder("bucket/users/o/songs"); err == nil {
		t.Error("expected error for key without folder segment")
	}
	if _, err := RefFolder("garbage"); err == nil {
		t.Error("expected error for unparseable ref")
	}
}
