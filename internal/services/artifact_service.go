package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/google/uuid"
	"github.com/songanizer/backend/internal/config"
)

// ErrNotFound is returned for lookup misses on songs and artifacts.
var ErrNotFound = errors.New("not found")

// objectStore is the slice of S3Service the artifact layer needs.
type objectStore interface {
	UploadMedia(ctx context.Context, bucket, key string, body io.Reader, ctype string) error
	DeleteMedia(ctx context.Context, bucket, key string) error
	PresignMediaGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	MediaURL(bucket, key string) string
	DownloadMedia(ctx context.Context, bucket, key string) (*manager.WriteAtBuffer, error)
}

// ArtifactService persists binary artifacts under a deterministic key scheme
// and hands back opaque "bucket/key" references. Callers persist the
// reference verbatim and pass it back for deletion; the key is never
// re-derived from a display filename.
type ArtifactService struct {
	store objectStore
	cfg   *config.Config
}

func NewArtifactService(store objectStore, cfg *config.Config) *ArtifactService {
	return &ArtifactService{store: store, cfg: cfg}
}

// sanitizeKeyHint rewrites characters that break presigning or URL handling.
// Matches the legacy key scheme so existing objects stay addressable.
func sanitizeKeyHint(name string) string {
	r := strings.NewReplacer("+", "_", "-", "_", "~", "_", " ", "_")
	return r.Replace(name)
}

// NewFolder returns a fresh collision-resistant folder name. Both artifacts
// of one upload share the folder so they can be located together.
func (s *ArtifactService) NewFolder() string {
	return fmt.Sprintf("songfile_%d_%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// BuildKey derives the full object key for an artifact.
// Scheme: users/{owner}/{category}/{folder}/{sanitizedStem}{unixms}{ext}
func (s *ArtifactService) BuildKey(ownerID, category, folder, filename string) string {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	hint := sanitizeKeyHint(fmt.Sprintf("%s%d%s", stem, time.Now().UnixMilli(), ext))
	return fmt.Sprintf("users/%s/%s/%s/%s", ownerID, category, folder, hint)
}

// Put uploads the artifact and returns its opaque reference ("bucket/key").
func (s *ArtifactService) Put(ctx context.Context, ownerID, category, folder, filename string, body io.Reader, ctype string) (string, error) {
	key := s.BuildKey(ownerID, category, folder, filename)
	if err := s.store.UploadMedia(ctx, s.cfg.MediaAudioBucket, key, body, ctype); err != nil {
		return "", fmt.Errorf("failed to upload artifact %s: %w", key, err)
	}
	return FormatRef(s.cfg.MediaAudioBucket, key), nil
}

// Delete removes the artifact behind ref. Missing objects count as success
// (the delete is idempotent); backend failures are logged, not raised.
// Callers that need confirmation check the boolean.
func (s *ArtifactService) Delete(ctx context.Context, ref string) bool {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		log.Printf("WARN: unparseable artifact ref %q: %v", ref, err)
		return false
	}
	if err := s.store.DeleteMedia(ctx, bucket, key); err != nil {
		log.Printf("WARN: failed to delete artifact %s: %v", key, err)
		return false
	}
	return true
}

// Get fetches the artifact behind ref into memory (used for resubmission,
// so keep artifacts within upload size limits).
func (s *ArtifactService) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	buf, err := s.store.DownloadMedia(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// URL resolves a stored reference to something a client can fetch: the plain
// object URL for public-read buckets, a presigned GET otherwise.
func (s *ArtifactService) URL(ctx context.Context, ref string) (string, error) {
	bucket, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if s.cfg.MediaPublicRead {
		return s.store.MediaURL(bucket, key), nil
	}
	ttl := time.Duration(s.cfg.MediaURLTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 120 * time.Minute
	}
	return s.store.PresignMediaGet(ctx, bucket, key, ttl)
}

// FormatRef builds the opaque locator stored on the Song record.
func FormatRef(bucket, key string) string {
	return bucket + "/" + key
}

// RefFolder extracts the folder segment from a stored reference. Keys follow
// users/{owner}/{category}/{folder}/..., so sibling artifacts of the same
// upload can be placed by folder without persisting it separately.
func RefFolder(ref string) (string, error) {
	_, key, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	parts := strings.Split(key, "/")
	if len(parts) < 5 || parts[3] == "" {
		return "", fmt.Errorf("artifact ref %q has no folder segment", ref)
	}
	return parts[3], nil
}

// ParseRef recovers bucket and key from a stored reference.
func ParseRef(ref string) (bucket, key string, err error) {
	bucket, key, ok := strings.Cut(ref, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid artifact ref %q", ref)
	}
	return bucket, key, nil
}
