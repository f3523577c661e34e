package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/songanizer/backend/internal/config"
)

// StorageService spools incoming uploads to local scratch space before the
// pipeline picks them up. Spool files are written atomically via a .part
// rename so a crashed upload never leaves a half file behind.
type StorageService struct {
	cfg *config.Config
}

func NewStorageService(cfg *config.Config) *StorageService {
	_ = os.MkdirAll(cfg.UploadScratchPath, 0o755)
	return &StorageService{cfg: cfg}
}

// SpoolPath returns a fresh scratch path for one upload.
func (s *StorageService) SpoolPath() string {
	return filepath.Join(s.cfg.UploadScratchPath, uuid.New().String())
}

// SaveStream writes an incoming stream to scratch space and returns the
// absolute path, size and checksum. Uploads over the configured size cap are
// rejected mid-copy.
func (s *StorageService) SaveStream(ctx context.Context, r io.Reader) (string, int64, string, error) {
	absPath := s.SpoolPath()

	tmp := absPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, "", err
	}
	defer f.Close()

	if s.cfg.UploadMaxBytes > 0 {
		r = io.LimitReader(r, s.cfg.UploadMaxBytes+1)
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		_ = os.Remove(tmp)
		return "", 0, "", err
	}
	if s.cfg.UploadMaxBytes > 0 && n > s.cfg.UploadMaxBytes {
		_ = os.Remove(tmp)
		return "", 0, "", fmt.Errorf("upload exceeds maximum size of %d bytes", s.cfg.UploadMaxBytes)
	}

	if err := f.Sync(); err != nil {
		_ = os.Remove(tmp)
		return "", 0, "", err
	}

	if err := os.Rename(tmp, absPath); err != nil {
		_ = os.Remove(tmp)
		return "", 0, "", err
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	return absPath, n, checksum, nil
}

// GetImageContentType returns the MIME type for common image extensions.
func GetImageContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".webp":
		return "image/webp"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// Cleanup removes a spooled upload and any derived transcode output.
func (s *StorageService) Cleanup(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		_ = os.Remove(p)
	}
}
