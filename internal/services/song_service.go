package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songanizer/backend/internal/config"
	"github.com/songanizer/backend/internal/models"
	"github.com/songanizer/backend/internal/pkg/audio"
)

// ErrDanglingCallback marks a webhook whose job id matches no Song. Logged
// and dropped, never fatal.
var ErrDanglingCallback = errors.New("callback references unknown analysis job")

// artifactStore is the slice of ArtifactService the pipeline needs.
type artifactStore interface {
	NewFolder() string
	Put(ctx context.Context, ownerID, category, folder, filename string, body io.Reader, ctype string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) bool
	URL(ctx context.Context, ref string) (string, error)
}

// analysisClient is the slice of AnalysisService the pipeline needs.
type analysisClient interface {
	RequestUploadSlot(ctx context.Context) (*UploadSlot, error)
	PushArtifact(ctx context.Context, uploadURL string, body io.Reader, size int64) error
	CreateJob(ctx context.Context, uploadID, fileName string) (jobID, status string, err error)
	EnqueueJob(ctx context.Context, jobID string) error
	FetchResult(ctx context.Context, jobID string) (*models.AnalysisResult, error)
}

// normalizer is the slice of audio.Normalizer the pipeline needs.
type normalizer interface {
	Normalize(ctx context.Context, srcPath, originalName string) (*audio.Result, error)
}

// SongService orchestrates the upload pipeline: normalize the encoding,
// store both artifacts, submit the normalized one for analysis, persist the
// Song, and later reconcile the provider's completion callback into it.
type SongService struct {
	cfg       *config.Config
	repo      SongRepository
	artifacts artifactStore
	analysis  analysisClient
	norm      normalizer

	emailService *EmailService
	userService  *UserService

	// Per-song write serialization: webhook reconciliation and CRUD updates
	// on the same Song must not interleave. Entries live until the song is
	// deleted; DeleteSong evicts them.
	songLocks sync.Map // uuid.UUID -> *sync.Mutex
}

func NewSongService(cfg *config.Config, repo SongRepository, artifacts artifactStore, analysis analysisClient, norm normalizer) *SongService {
	return &SongService{
		cfg:       cfg,
		repo:      repo,
		artifacts: artifacts,
		analysis:  analysis,
		norm:      norm,
	}
}

// AttachEmailService wires the optional analysis-finished notification.
func (s *SongService) AttachEmailService(email *EmailService, users *UserService) {
	s.emailService = email
	s.userService = users
}

func (s *SongService) lockSong(id uuid.UUID) func() {
	v, _ := s.songLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// submission carries the outcome of one analysis submission attempt.
type submission struct {
	jobID  string
	status models.AnalysisStatus
}

// submitForAnalysis runs the four provider calls in order. None of them is
// idempotent on the provider side, so a retry of the whole submission always
// starts here again with a fresh upload slot.
func (s *SongService) submitForAnalysis(ctx context.Context, artifactPath, displayName string) (*submission, error) {
	slot, err := s.analysis.RequestUploadSlot(ctx)
	if err != nil {
		return &submission{status: models.AnalysisStatusUnsubmitted}, err
	}

	f, err := os.Open(artifactPath)
	if err != nil {
		return &submission{status: models.AnalysisStatusUnsubmitted}, fmt.Errorf("failed to open artifact for submission: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return &submission{status: models.AnalysisStatusUnsubmitted}, err
	}

	if err := s.analysis.PushArtifact(ctx, slot.UploadURL, f, info.Size()); err != nil {
		return &submission{status: models.AnalysisStatusUnsubmitted}, err
	}

	jobID, _, err := s.analysis.CreateJob(ctx, slot.ID, displayName)
	if err != nil {
		return &submission{status: models.AnalysisStatusUnsubmitted}, err
	}

	if err := s.analysis.EnqueueJob(ctx, jobID); err != nil {
		// The job exists even though enqueue failed. Keep the id and the
		// requested status on the record so the failure stays visible and
		// retriable out-of-band.
		return &submission{jobID: jobID, status: models.AnalysisStatusRequested}, err
	}

	return &submission{jobID: jobID, status: models.AnalysisStatusRequested}, nil
}

// CreateFromUpload runs the full ingress pipeline for one uploaded file
// already spooled to disk at srcPath.
//
// Partial success persists: once both artifacts are stored, the Song record
// is created even when job submission fails, carrying an explicit
// failed/unsubmitted status. Uploaded media is never silently dropped. The
// returned error still reflects the first failure so the handler can report
// it.
func (s *SongService) CreateFromUpload(ctx context.Context, ownerID uuid.UUID, srcPath, originalName string) (*models.Song, error) {
	ext := filepath.Ext(originalName)
	if ext == "" {
		return nil, fmt.Errorf("%w: filename %q has no extension", audio.ErrConversionFailed, originalName)
	}
	stem := strings.TrimSuffix(originalName, ext)

	res, err := s.norm.Normalize(ctx, srcPath, originalName)
	if err != nil {
		return nil, err
	}

	folder := s.artifacts.NewFolder()
	owner := ownerID.String()

	orig, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen upload: %w", err)
	}
	originalRef, err := s.artifacts.Put(ctx, owner, "songs", folder, originalName, orig, audio.MimeTypeFromExtension(ext))
	orig.Close()
	if err != nil {
		return nil, err
	}

	normalizedRef := originalRef
	if res.IsConverted {
		conv, err := os.Open(res.Path)
		if err != nil {
			s.artifacts.Delete(ctx, originalRef)
			return nil, fmt.Errorf("failed to open normalized artifact: %w", err)
		}
		normalizedRef, err = s.artifacts.Put(ctx, owner, "songs", folder, stem+audio.CanonicalExt, conv, "audio/mpeg")
		conv.Close()
		if err != nil {
			s.artifacts.Delete(ctx, originalRef)
			return nil, err
		}
	}

	displayName := stem + audio.CanonicalExt
	sub, subErr := s.submitForAnalysis(ctx, res.Path, displayName)
	if subErr != nil {
		log.Printf("ERROR: analysis submission for %s failed: %v", originalName, subErr)
	}

	song := &models.Song{
		OwnerID:        ownerID,
		Title:          displayName,
		TrackTitle:     displayName,
		OriginalRef:    originalRef,
		NormalizedRef:  normalizedRef,
		AnalysisStatus: sub.status,
		Visible:        true,
		Downloadable:   true,
	}
	if sub.jobID != "" {
		song.AnalysisJobID = &sub.jobID
	}

	if err := s.repo.Create(ctx, song); err != nil {
		return nil, fmt.Errorf("failed to persist song: %w", err)
	}

	return song, subErr
}

// ResubmitAnalysis starts a fresh submission for an existing song. The new
// job id supersedes the old one on the record; upload slots are single-use,
// so the whole sequence runs again from the start.
func (s *SongService) ResubmitAnalysis(ctx context.Context, ownerID, songID uuid.UUID) (*models.Song, error) {
	unlock := s.lockSong(songID)
	defer unlock()

	song, err := s.repo.GetByID(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if song.NormalizedRef == "" {
		return nil, fmt.Errorf("song %s has no stored artifact to analyze", songID)
	}

	data, err := s.artifacts.Get(ctx, song.NormalizedRef)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "resubmit-*"+audio.CanonicalExt)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, err
	}
	tmp.Close()

	sub, subErr := s.submitForAnalysis(ctx, tmp.Name(), song.TrackTitle)
	if sub.jobID != "" {
		song.AnalysisJobID = &sub.jobID
	}
	song.AnalysisStatus = sub.status
	if subErr != nil && sub.jobID == "" {
		song.AnalysisStatus = models.AnalysisStatusFailed
	}
	song.AnalysisResult = nil

	if err := s.repo.Update(ctx, song); err != nil {
		return nil, fmt.Errorf("failed to persist resubmission: %w", err)
	}
	return song, subErr
}

// ReconcileAnalysis applies an asynchronous completion callback. For a
// finished job the full result is read back from the provider, with
// retry-and-backoff while the read model lags the webhook, and written to
// the owning Song. Redelivered callbacks re-apply the same terminal values,
// which is safe.
func (s *SongService) ReconcileAnalysis(ctx context.Context, jobID, status string) error {
	song, err := s.repo.GetByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDanglingCallback, jobID)
		}
		return err
	}

	switch status {
	case "finished":
		result, err := s.fetchResultWithRetry(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to fetch result for job %s: %w", jobID, err)
		}

		unlock := s.lockSong(song.ID)
		defer unlock()

		// Re-read under the lock; a concurrent resubmission may have
		// superseded this job id.
		song, err = s.repo.GetByJobID(ctx, jobID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrDanglingCallback, jobID)
			}
			return err
		}

		alreadyFinished := song.AnalysisStatus == models.AnalysisStatusFinished
		song.AnalysisResult = result
		song.AnalysisStatus = models.AnalysisStatusFinished
		if err := s.repo.Update(ctx, song); err != nil {
			return fmt.Errorf("failed to persist analysis result: %w", err)
		}

		if !alreadyFinished {
			s.notifyAnalysisFinished(song)
		}
		return nil

	case "failed":
		unlock := s.lockSong(song.ID)
		defer unlock()

		song, err = s.repo.GetByJobID(ctx, jobID)
		if err != nil {
			return err
		}
		song.AnalysisStatus = models.AnalysisStatusFailed
		if err := s.repo.Update(ctx, song); err != nil {
			return fmt.Errorf("failed to persist failed status: %w", err)
		}
		return nil

	default:
		log.Printf("INFO: ignoring analysis callback status %q for job %s", status, jobID)
		return nil
	}
}

// fetchResultWithRetry retries pending reads with exponential backoff. The
// provider's read model can lag its own webhook briefly.
func (s *SongService) fetchResultWithRetry(ctx context.Context, jobID string) (*models.AnalysisResult, error) {
	maxRetries := s.cfg.AnalysisResultMaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	base := s.cfg.AnalysisResultRetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := base * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := s.analysis.FetchResult(ctx, jobID)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrResultPending) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// notifyAnalysisFinished sends the owner a best-effort email. Failures are
// logged and swallowed.
func (s *SongService) notifyAnalysisFinished(song *models.Song) {
	if s.emailService == nil || s.userService == nil {
		return
	}
	owner, err := s.userService.GetUserByID(song.OwnerID)
	if err != nil {
		log.Printf("WARN: cannot notify owner of song %s: %v", song.ID, err)
		return
	}
	go func() {
		if err := s.emailService.SendAnalysisFinished(owner.Email, owner.Name, song.TrackTitle); err != nil {
			log.Printf("WARN: analysis-finished email to %s failed: %v", owner.Email, err)
		}
	}()
}

// GetSong returns a song by id.
func (s *SongService) GetSong(ctx context.Context, songID uuid.UUID) (*models.Song, error) {
	return s.repo.GetByID(ctx, songID)
}

// ListSongsByOwner returns the caller's songs.
func (s *SongService) ListSongsByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Song, int64, error) {
	return s.repo.ListByOwner(ctx, ownerID, limit, offset)
}

// ListVisibleSongs returns publicly listed songs.
func (s *SongService) ListVisibleSongs(ctx context.Context, limit, offset int) ([]models.Song, int64, error) {
	return s.repo.ListVisible(ctx, limit, offset)
}

// UpdateSongMetadata updates the mutable metadata fields.
func (s *SongService) UpdateSongMetadata(ctx context.Context, ownerID, songID uuid.UUID, title *string, visible, downloadable *bool) (*models.Song, error) {
	unlock := s.lockSong(songID)
	defer unlock()

	song, err := s.repo.GetByID(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song.OwnerID != ownerID {
		return nil, ErrNotFound
	}

	if title != nil && *title != "" {
		song.Title = *title
	}
	if visible != nil {
		song.Visible = *visible
	}
	if downloadable != nil {
		song.Downloadable = *downloadable
	}

	if err := s.repo.Update(ctx, song); err != nil {
		return nil, err
	}
	return song, nil
}

// SetPhoto stores a cover photo for the song, placed in the same storage
// folder as the audio artifacts under a playlist_photo/ subpath. A previous
// photo is deleted once the new one is stored.
func (s *SongService) SetPhoto(ctx context.Context, ownerID, songID uuid.UUID, filename string, body io.Reader, ctype string) (*models.Song, error) {
	unlock := s.lockSong(songID)
	defer unlock()

	song, err := s.repo.GetByID(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if song.OriginalRef == "" {
		return nil, fmt.Errorf("song %s has no artifact folder for a photo", songID)
	}

	folder, err := RefFolder(song.OriginalRef)
	if err != nil {
		return nil, err
	}

	photoRef, err := s.artifacts.Put(ctx, ownerID.String(), "songs", folder+"/playlist_photo", filename, body, ctype)
	if err != nil {
		return nil, err
	}

	superseded := song.PhotoRef
	song.PhotoRef = photoRef
	if err := s.repo.Update(ctx, song); err != nil {
		s.artifacts.Delete(ctx, photoRef)
		return nil, fmt.Errorf("failed to persist photo ref: %w", err)
	}

	if superseded != "" {
		if !s.artifacts.Delete(ctx, superseded) {
			log.Printf("WARN: leaving superseded photo %s for song %s", superseded, song.ID)
		}
	}
	return song, nil
}

// RemovePhoto deletes the song's cover photo and clears the reference.
func (s *SongService) RemovePhoto(ctx context.Context, ownerID, songID uuid.UUID) (*models.Song, error) {
	unlock := s.lockSong(songID)
	defer unlock()

	song, err := s.repo.GetByID(ctx, songID)
	if err != nil {
		return nil, err
	}
	if song.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if song.PhotoRef == "" {
		return song, nil
	}

	ref := song.PhotoRef
	song.PhotoRef = ""
	if err := s.repo.Update(ctx, song); err != nil {
		return nil, err
	}
	if !s.artifacts.Delete(ctx, ref) {
		log.Printf("WARN: leaving orphaned photo %s for song %s", ref, song.ID)
	}
	return song, nil
}

// PhotoURL resolves the fetchable URL for a song's cover photo.
func (s *SongService) PhotoURL(ctx context.Context, songID uuid.UUID) (string, error) {
	song, err := s.repo.GetByID(ctx, songID)
	if err != nil {
		return "", err
	}
	if song.PhotoRef == "" {
		return "", ErrNotFound
	}
	return s.artifacts.URL(ctx, song.PhotoRef)
}

// DeleteSong removes the song record and every stored artifact, the cover
// photo included. Artifact keys are derived from the persisted refs; storage
// failures are logged and do not block the record deletion.
func (s *SongService) DeleteSong(ctx context.Context, ownerID, songID uuid.UUID) error {
	unlock := s.lockSong(songID)
	defer unlock()

	song, err := s.repo.GetByID(ctx, songID)
	if err != nil {
		return err
	}
	if song.OwnerID != ownerID {
		return ErrNotFound
	}

	if song.OriginalRef != "" {
		if !s.artifacts.Delete(ctx, song.OriginalRef) {
			log.Printf("WARN: leaving orphaned artifact %s for song %s", song.OriginalRef, song.ID)
		}
	}
	if song.NormalizedRef != "" && song.NormalizedRef != song.OriginalRef {
		if !s.artifacts.Delete(ctx, song.NormalizedRef) {
			log.Printf("WARN: leaving orphaned artifact %s for song %s", song.NormalizedRef, song.ID)
		}
	}
	if song.PhotoRef != "" {
		if !s.artifacts.Delete(ctx, song.PhotoRef) {
			log.Printf("WARN: leaving orphaned artifact %s for song %s", song.PhotoRef, song.ID)
		}
	}

	if err := s.repo.Delete(ctx, song.ID); err != nil {
		return err
	}
	// The id can never be locked again, so its mutex entry is dropped.
	s.songLocks.Delete(song.ID)
	return nil
}

// StreamURL resolves the playable URL for a song's normalized artifact.
func (s *SongService) StreamURL(ctx context.Context, songID uuid.UUID) (string, error) {
	song, err := s.repo.GetByID(ctx, songID)
	if err != nil {
		return "", err
	}
	if song.NormalizedRef == "" {
		return "", ErrNotFound
	}
	return s.artifacts.URL(ctx, song.NormalizedRef)
}

// VerifyArtifactRoundTrip is a startup self-check used in development: it
// confirms the store returns byte-identical content for a small probe
// object and deletes it again.
func (s *SongService) VerifyArtifactRoundTrip(ctx context.Context) error {
	probe := []byte("songanizer-probe")
	ref, err := s.artifacts.Put(ctx, "system", "probe", s.artifacts.NewFolder(), "probe.bin", bytes.NewReader(probe), "application/octet-stream")
	if err != nil {
		return err
	}
	defer s.artifacts.Delete(ctx, ref)

	got, err := s.artifacts.Get(ctx, ref)
	if err != nil {
		return err
	}
	if !bytes.Equal(probe, got) {
		return fmt.Errorf("artifact store round-trip mismatch")
	}
	return nil
}
