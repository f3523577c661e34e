package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/songanizer/backend/internal/config"
	"github.com/songanizer/backend/internal/models"
	"github.com/songanizer/backend/internal/pkg/audio"
)

// ---- fakes ----

type memSongRepo struct {
	mu    sync.Mutex
	songs map[uuid.UUID]*models.Song
}

func newMemSongRepo() *memSongRepo {
	return &memSongRepo{songs: make(map[uuid.UUID]*models.Song)}
}

func (r *memSongRepo) clone(s *models.Song) *models.Song {
	c := *s
	if s.AnalysisJobID != nil {
		id := *s.AnalysisJobID
		c.AnalysisJobID = &id
	}
	if s.AnalysisResult != nil {
		res := *s.AnalysisResult
		c.AnalysisResult = &res
	}
	return &c
}

func (r *memSongRepo) Create(ctx context.Context, song *models.Song) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if song.ID == uuid.Nil {
		song.ID = uuid.New()
	}
	r.songs[song.ID] = r.clone(song)
	return nil
}

func (r *memSongRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Song, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.songs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(s), nil
}

func (r *memSongRepo) GetByJobID(ctx context.Context, jobID string) (*models.Song, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.songs {
		if s.AnalysisJobID != nil && *s.AnalysisJobID == jobID {
			return r.clone(s), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memSongRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Song, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Song
	for _, s := range r.songs {
		if s.OwnerID == ownerID {
			out = append(out, *r.clone(s))
		}
	}
	return out, int64(len(out)), nil
}

func (r *memSongRepo) ListVisible(ctx context.Context, limit, offset int) ([]models.Song, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Song
	for _, s := range r.songs {
		if s.Visible {
			out = append(out, *r.clone(s))
		}
	}
	return out, int64(len(out)), nil
}

func (r *memSongRepo) Update(ctx context.Context, song *models.Song) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.songs[song.ID]; !ok {
		return ErrNotFound
	}
	r.songs[song.ID] = r.clone(song)
	return nil
}

func (r *memSongRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.songs, id)
	return nil
}

func (r *memSongRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.songs)
}

type putRecord struct {
	filename string
	data     []byte
}

type fakeArtifacts struct {
	mu      sync.Mutex
	folderN int
	puts    []putRecord
	objects map[string][]byte
	deletes []string
	putErr  error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string][]byte)}
}

func (f *fakeArtifacts) NewFolder() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folderN++
	return fmt.Sprintf("songfile_%d", f.folderN)
}

func (f *fakeArtifacts) Put(ctx context.Context, ownerID, category, folder, filename string, body io.Reader, ctype string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	ref := fmt.Sprintf("bucket/users/%s/%s/%s/%s", ownerID, category, folder, filename)
	f.puts = append(f.puts, putRecord{filename: filename, data: data})
	f.objects[ref] = data
	return ref, nil
}

func (f *fakeArtifacts) Get(ctx context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (f *fakeArtifacts) Delete(ctx context.Context, ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, ref)
	f.deletes = append(f.deletes, ref)
	return true
}

func (f *fakeArtifacts) URL(ctx context.Context, ref string) (string, error) {
	return "https://signed.example.com/" + ref, nil
}

type fakeAnalysis struct {
	mu           sync.Mutex
	slotN        int
	slotIDs      []string
	pushed       [][]byte
	slotErr      error
	pushErr      error
	createErr    error
	enqueueErr   error
	jobN         int
	result       *models.AnalysisResult
	fetchErrs    []error // consumed one per FetchResult call, then result
	fetchCalls   int
	enqueuedJobs []string
}

func (f *fakeAnalysis) RequestUploadSlot(ctx context.Context) (*UploadSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slotErr != nil {
		return nil, f.slotErr
	}
	f.slotN++
	id := fmt.Sprintf("slot-%d", f.slotN)
	f.slotIDs = append(f.slotIDs, id)
	return &UploadSlot{ID: id, UploadURL: "https://upload.example.com/" + id}, nil
}

func (f *fakeAnalysis) PushArtifact(ctx context.Context, uploadURL string, body io.Reader, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.pushed = append(f.pushed, data)
	return nil
}

func (f *fakeAnalysis) CreateJob(ctx context.Context, uploadID, fileName string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", "", f.createErr
	}
	f.jobN++
	return fmt.Sprintf("J%d", f.jobN), "created", nil
}

func (f *fakeAnalysis) EnqueueJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueuedJobs = append(f.enqueuedJobs, jobID)
	return nil
}

func (f *fakeAnalysis) FetchResult(ctx context.Context, jobID string) (*models.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		return nil, err
	}
	if f.result == nil {
		return nil, ErrResultPending
	}
	res := *f.result
	return &res, nil
}

// fakeNormalizer mimics the canonical short-circuit and writes a fake
// transcoded file for non-canonical sources.
type fakeNormalizer struct {
	failConversion bool
	converted      int
}

func (f *fakeNormalizer) Normalize(ctx context.Context, srcPath, originalName string) (*audio.Result, error) {
	if audio.IsCanonical(originalName) {
		return &audio.Result{Path: srcPath, IsConverted: false}, nil
	}
	if f.failConversion {
		return nil, fmt.Errorf("%w: exit status 1", audio.ErrConversionFailed)
	}
	out := audio.OutputPath(srcPath)
	if err := os.WriteFile(out, []byte("normalized-bytes"), 0o644); err != nil {
		return nil, err
	}
	f.converted++
	return &audio.Result{Path: out, IsConverted: true}, nil
}

func testSongConfig() *config.Config {
	return &config.Config{
		MediaAudioBucket:         "songanizer",
		AnalysisResultMaxRetries: 3,
		AnalysisResultRetryBase:  1, // nanoseconds, keeps tests fast
	}
}

type songFixture struct {
	svc       *SongService
	repo      *memSongRepo
	artifacts *fakeArtifacts
	analysis  *fakeAnalysis
	norm      *fakeNormalizer
}

func newSongFixture() *songFixture {
	repo := newMemSongRepo()
	artifacts := newFakeArtifacts()
	analysis := &fakeAnalysis{}
	norm := &fakeNormalizer{}
	return &songFixture{
		svc:       NewSongService(testSongConfig(), repo, artifacts, analysis, norm),
		repo:      repo,
		artifacts: artifacts,
		analysis:  analysis,
		norm:      norm,
	}
}

func writeUpload(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---- tests ----

func TestCreateFromUpload(t *testing.T) {
	t.Run("Non-Canonical Source Is Converted And Submitted", func(t *testing.T) {
		// End-to-end scenario: track.wav in, two puts, job J1, requested.
		fx := newSongFixture()
		src := writeUpload(t, "upload", []byte("wav-bytes"))

		song, err := fx.svc.CreateFromUpload(context.Background(), uuid.New(), src, "track.wav")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if len(fx.artifacts.puts) != 2 {
			t.Fatalf("expected 2 artifact puts, got %d", len(fx.artifacts.puts))
		}
		if fx.artifacts.puts[0].filename != "track.wav" {
			t.Errorf("first put should be the original, got %q", fx.artifacts.puts[0].filename)
		}
		if fx.artifacts.puts[1].filename != "track.mp3" {
			t.Errorf("second put should be the normalized mp3, got %q", fx.artifacts.puts[1].filename)
		}
		if song.OriginalRef == song.NormalizedRef {
			t.Error("converted upload must produce distinct refs")
		}
		if song.AnalysisJobID == nil || *song.AnalysisJobID != "J1" {
			t.Errorf("expected job id J1, got %v", song.AnalysisJobID)
		}
		if song.AnalysisStatus != models.AnalysisStatusRequested {
			t.Errorf("expected status requested, got %s", song.AnalysisStatus)
		}
		if len(fx.analysis.enqueuedJobs) != 1 || fx.analysis.enqueuedJobs[0] != "J1" {
			t.Errorf("expected J1 enqueued, got %v", fx.analysis.enqueuedJobs)
		}
	})

	t.Run("Canonical Source Skips Conversion", func(t *testing.T) {
		fx := newSongFixture()
		payload := []byte("mp3-bytes")
		src := writeUpload(t, "upload", payload)

		song, err := fx.svc.CreateFromUpload(context.Background(), uuid.New(), src, "track.mp3")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if fx.norm.converted != 0 {
			t.Error("canonical input must not be transcoded")
		}
		if len(fx.artifacts.puts) != 1 {
			t.Fatalf("expected a single put, got %d", len(fx.artifacts.puts))
		}
		if song.OriginalRef != song.NormalizedRef {
			t.Error("canonical upload must share one ref for both artifacts")
		}
		// The provider receives byte-identical content to the input.
		if len(fx.analysis.pushed) != 1 || !bytes.Equal(fx.analysis.pushed[0], payload) {
			t.Error("pushed artifact must be byte-identical to the canonical input")
		}
	})

	t.Run("Conversion Failure Aborts Before Any Put", func(t *testing.T) {
		// End-to-end scenario: transcoder exits non-zero.
		fx := newSongFixture()
		fx.norm.failConversion = true
		src := writeUpload(t, "upload", []byte("wav-bytes"))

		_, err := fx.svc.CreateFromUpload(context.Background(), uuid.New(), src, "track.wav")
		if !errors.Is(err, audio.ErrConversionFailed) {
			t.Fatalf("expected ErrConversionFailed, got %v", err)
		}
		if len(fx.artifacts.puts) != 0 {
			t.Error("no artifact may be stored after a failed conversion")
		}
		if fx.repo.count() != 0 {
			t.Error("no song may be created after a failed conversion")
		}
	})

	t.Run("Submission Failure Still Persists Song", func(t *testing.T) {
		fx := newSongFixture()
		fx.analysis.slotErr = errors.New("provider down")
		src := writeUpload(t, "upload", []byte("wav-bytes"))

		song, err := fx.svc.CreateFromUpload(context.Background(), uuid.New(), src, "track.wav")
		if err == nil {
			t.Fatal("expected submission error to propagate")
		}
		if song == nil {
			t.Fatal("song with stored artifacts must be persisted despite submission failure")
		}
		if song.AnalysisJobID != nil {
			t.Error("no job id should be recorded when no job was created")
		}
		if song.AnalysisStatus != models.AnalysisStatusUnsubmitted {
			t.Errorf("expected status unsubmitted, got %s", song.AnalysisStatus)
		}
		if fx.repo.count() != 1 {
			t.Error("song record must exist")
		}
	})

	t.Run("Enqueue Failure Keeps Job ID And Requested Status", func(t *testing.T) {
		fx := newSongFixture()
		fx.analysis.enqueueErr = fmt.Errorf("%w: quota exceeded", ErrEnqueueFailed)
		src := writeUpload(t, "upload", []byte("wav-bytes"))

		song, err := fx.svc.CreateFromUpload(context.Background(), uuid.New(), src, "track.wav")
		if !errors.Is(err, ErrEnqueueFailed) {
			t.Fatalf("expected ErrEnqueueFailed, got %v", err)
		}
		if song == nil || song.AnalysisJobID == nil {
			t.Fatal("the obtained job id must be persisted so the failure stays visible")
		}
		if song.AnalysisStatus != models.AnalysisStatusRequested {
			t.Errorf("expected status requested, got %s", song.AnalysisStatus)
		}
	})

	t.Run("Requested Status Implies Job ID", func(t *testing.T) {
		// Exercise all failure points; no persisted song may ever read
		// requested without a job id.
		failures := []func(f *fakeAnalysis){
			func(f *fakeAnalysis) { f.slotErr = errors.New("slot") },
			func(f *fakeAnalysis) { f.pushErr = fmt.Errorf("%w: status 500", ErrUploadFailed) },
			func(f *fakeAnalysis) { f.createErr = fmt.Errorf("%w: bad upload", ErrJobCreationFailed) },
		}
		for i, inject := range failures {
			fx := newSongFixture()
			inject(fx.analysis)
			src := writeUpload(t, "upload", []byte("wav-bytes"))

			song, _ := fx.svc.CreateFromUpload(context.Background(), uuid.New(), src, "track.wav")
			if song == nil {
				t.Fatalf("case %d: expected persisted song", i)
			}
			if song.AnalysisStatus == models.AnalysisStatusRequested && song.AnalysisJobID == nil {
				t.Errorf("case %d: requested status without job id", i)
			}
		}
	})
}

func TestResubmitAnalysis(t *testing.T) {
	t.Run("New Job Supersedes Old", func(t *testing.T) {
		fx := newSongFixture()
		owner := uuid.New()
		src := writeUpload(t, "upload", []byte("wav-bytes"))

		song, err := fx.svc.CreateFromUpload(context.Background(), owner, src, "track.wav")
		if err != nil {
			t.Fatal(err)
		}
		firstJob := *song.AnalysisJobID

		updated, err := fx.svc.ResubmitAnalysis(context.Background(), owner, song.ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if *updated.AnalysisJobID == firstJob {
			t.Error("resubmission must record a new job id")
		}
		if updated.AnalysisStatus != models.AnalysisStatusRequested {
			t.Errorf("expected status requested, got %s", updated.AnalysisStatus)
		}
		if updated.AnalysisResult != nil {
			t.Error("resubmission must clear the previous result")
		}
		// Slots are single-use: the retry must have requested a fresh one.
		if fx.analysis.slotN != 2 {
			t.Errorf("expected 2 upload slots, got %d", fx.analysis.slotN)
		}
	})

	t.Run("Foreign Song Is Not Found", func(t *testing.T) {
		fx := newSongFixture()
		owner := uuid.New()
		src := writeUpload(t, "upload", []byte("wav-bytes"))

		song, err := fx.svc.CreateFromUpload(context.Background(), owner, src, "track.wav")
		if err != nil {
			t.Fatal(err)
		}

		_, err = fx.svc.ResubmitAnalysis(context.Background(), uuid.New(), song.ID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for foreign owner, got %v", err)
		}
	})
}

func TestReconcileAnalysis(t *testing.T) {
	finishedResult := &models.AnalysisResult{
		Bpm:       124,
		Key:       "aMinor",
		GenreTags: []string{"electronicDance"},
		Mood:      map[string]float64{"energetic": 0.91},
	}

	setup := func(t *testing.T) (*songFixture, *models.Song) {
		t.Helper()
		fx := newSongFixture()
		src := writeUpload(t, "upload", []byte("wav-bytes"))
		song, err := fx.svc.CreateFromUpload(context.Background(), uuid.New(), src, "track.wav")
		if err != nil {
			t.Fatal(err)
		}
		fx.analysis.result = finishedResult
		return fx, song
	}

	t.Run("Finished Callback Applies Result", func(t *testing.T) {
		fx, song := setup(t)

		if err := fx.svc.ReconcileAnalysis(context.Background(), *song.AnalysisJobID, "finished"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		got, err := fx.repo.GetByID(context.Background(), song.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.AnalysisStatus != models.AnalysisStatusFinished {
			t.Errorf("expected status finished, got %s", got.AnalysisStatus)
		}
		if got.AnalysisResult == nil {
			t.Fatal("expected a non-null analysis result")
		}
		if got.AnalysisResult.Bpm != 124 {
			t.Errorf("expected bpm 124, got %v", got.AnalysisResult.Bpm)
		}
	})

	t.Run("Redelivery Is Idempotent", func(t *testing.T) {
		fx, song := setup(t)

		if err := fx.svc.ReconcileAnalysis(context.Background(), *song.AnalysisJobID, "finished"); err != nil {
			t.Fatal(err)
		}
		first, err := fx.repo.GetByID(context.Background(), song.ID)
		if err != nil {
			t.Fatal(err)
		}

		if err := fx.svc.ReconcileAnalysis(context.Background(), *song.AnalysisJobID, "finished"); err != nil {
			t.Fatal(err)
		}
		second, err := fx.repo.GetByID(context.Background(), song.ID)
		if err != nil {
			t.Fatal(err)
		}

		first.UpdatedAt = second.UpdatedAt
		if !reflect.DeepEqual(first, second) {
			t.Error("second application of the same callback must leave the record unchanged")
		}
	})

	t.Run("Dangling Callback Mutates Nothing", func(t *testing.T) {
		fx, song := setup(t)
		before, _ := fx.repo.GetByID(context.Background(), song.ID)

		err := fx.svc.ReconcileAnalysis(context.Background(), "J-unknown", "finished")
		if !errors.Is(err, ErrDanglingCallback) {
			t.Fatalf("expected ErrDanglingCallback, got %v", err)
		}

		after, _ := fx.repo.GetByID(context.Background(), song.ID)
		if !reflect.DeepEqual(before, after) {
			t.Error("dangling callback must not mutate existing songs")
		}
		if fx.repo.count() != 1 {
			t.Error("dangling callback must not create songs")
		}
	})

	t.Run("Pending Result Is Retried With Backoff", func(t *testing.T) {
		fx, song := setup(t)
		fx.analysis.fetchErrs = []error{ErrResultPending, ErrResultPending}

		if err := fx.svc.ReconcileAnalysis(context.Background(), *song.AnalysisJobID, "finished"); err != nil {
			t.Fatalf("expected retries to succeed, got %v", err)
		}
		if fx.analysis.fetchCalls != 3 {
			t.Errorf("expected 3 fetch attempts, got %d", fx.analysis.fetchCalls)
		}
	})

	t.Run("Exhausted Retries Surface Pending Error", func(t *testing.T) {
		fx, song := setup(t)
		fx.analysis.result = nil // stays pending forever

		err := fx.svc.ReconcileAnalysis(context.Background(), *song.AnalysisJobID, "finished")
		if !errors.Is(err, ErrResultPending) {
			t.Errorf("expected ErrResultPending after exhausted retries, got %v", err)
		}
	})

	t.Run("Failed Callback Marks Song Failed", func(t *testing.T) {
		fx, song := setup(t)

		if err := fx.svc.ReconcileAnalysis(context.Background(), *song.AnalysisJobID, "failed"); err != nil {
			t.Fatal(err)
		}
		got, _ := fx.repo.GetByID(context.Background(), song.ID)
		if got.AnalysisStatus != models.AnalysisStatusFailed {
			t.Errorf("expected status failed, got %s", got.AnalysisStatus)
		}
	})

	t.Run("Unknown Status Is A No-Op", func(t *testing.T) {
		fx, song := setup(t)
		before, _ := fx.repo.GetByID(context.Background(), song.ID)

		if err := fx.svc.ReconcileAnalysis(context.Background(), *song.AnalysisJobID, "processing"); err != nil {
			t.Fatal(err)
		}
		after, _ := fx.repo.GetByID(context.Background(), song.ID)
		if !reflect.DeepEqual(before, after) {
			t.Error("unknown status must not mutate the song")
		}
	})
}

func TestDeleteSong(t *testing.T) {
	t.Run("Deletes Both Artifacts From Stored Refs", func(t *testing.T) {
		fx := newSongFixture()
		owner := uuid.New()
		src := writeUpload(t, "upload", []byte("wav-bytes"))

		song, err := fx.svc.CreateFromUpload(context.Background(), owner, src, "track.wav")
		if err != nil {
			t.Fatal(err)
		}

		if err := fx.svc.DeleteSong(context.Background(), owner, song.ID); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(fx.artifacts.deletes) != 2 {
			t.Errorf("expected 2 artifact deletes, got %d: %v", len(fx.artifacts.deletes), fx.artifacts.deletes)
		}
		if fx.repo.count() != 0 {
			t.Error("song record must be gone")
		}
		if _, ok := fx.svc.songLocks.Load(song.ID); ok {
			t.Error("expected the song's lock entry to be evicted")
		}
	})

	t.Run("Canonical Upload Deletes Shared Ref Once", func(t *testing.T) {
		fx := newSongFixture()
		owner := uuid.New()
		src := writeUpload(t, "upload", []byte("mp3-bytes"))

		song, err := fx.svc.CreateFromUpload(context.Background(), owner, src, "track.mp3")
		if err != nil {
			t.Fatal(err)
		}

		if err := fx.svc.DeleteSong(context.Background(), owner, song.ID); err != nil {
			t.Fatal(err)
		}
		if len(fx.artifacts.deletes) != 1 {
			t.Errorf("expected a single delete for the shared ref, got %d", len(fx.artifacts.deletes))
		}
	})
}

func TestSongPhoto(t *testing.T) {
	uploadSong := func(t *testing.T, fx *songFixture, owner uuid.UUID) *models.Song {
		t.Helper()
		src := writeUpload(t, "upload", []byte("wav-bytes"))
		song, err := fx.svc.CreateFromUpload(context.Background(), owner, src, "track.wav")
		if err != nil {
			t.Fatal(err)
		}
		return song
	}

	t.Run("Photo Is Stored Under The Song Folder", func(t *testing.T) {
		fx := newSongFixture()
		owner := uuid.New()
		song := uploadSong(t, fx, owner)

		folder, err := RefFolder(song.OriginalRef)
		if err != nil {
			t.Fatal(err)
		}

		updated, err := fx.svc.SetPhoto(context.Background(), owner, song.ID, "cover.png", bytes.NewReader([]byte("png-bytes")), "image/png")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if updated.PhotoRef == "" {
			t.Fatal("expected photo ref to be set")
		}
		wantPrefix := fmt.Sprintf("bucket/users/%s/songs/%s/playlist_photo/", owner, folder)
		if !strings.HasPrefix(updated.PhotoRef, wantPrefix) {
			t.Errorf("photo ref %q does not start with %q", updated.PhotoRef, wantPrefix)
		}

		stored, err := fx.repo.GetByID(context.Background(), song.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.PhotoRef != updated.PhotoRef {
			t.Error("photo ref must be persisted on the record")
		}
	})

	t.Run("Replacing A Photo Deletes The Superseded One", func(t *testing.T) {
		fx := newSongFixture()
		owner := uuid.New()
		song := uploadSong(t, fx, owner)

		first, err := fx.svc.SetPhoto(context.Background(), owner, song.ID, "cover.png", bytes.NewReader([]byte("v1")), "image/png")
		if err != nil {
			t.Fatal(err)
		}
		second, err := fx.svc.SetPhoto(context.Background(), owner, song.ID, "cover2.jpg", bytes.NewReader([]byte("v2")), "image/jpeg")
		if err != nil {
			t.Fatal(err)
		}

		if second.PhotoRef == first.PhotoRef {
			t.Error("expected a fresh ref for the replacement photo")
		}
		deleted := false
		for _, ref := range fx.artifacts.deletes {
			if ref == first.PhotoRef {
				deleted = true
			}
		}
		if !deleted {
			t.Errorf("superseded photo %q was not deleted", first.PhotoRef)
		}
	})

	t.Run("Remove Photo Clears The Ref", func(t *testing.T) {
		fx := newSongFixture()
		owner := uuid.New()
		song := uploadSong(t, fx, owner)

		set, err := fx.svc.SetPhoto(context.Background(), owner, song.ID, "cover.png", bytes.NewReader([]byte("png-bytes")), "image/png")
		if err != nil {
			t.Fatal(err)
		}

		cleared, err := fx.svc.RemovePhoto(context.Background(), owner, song.ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cleared.PhotoRef != "" {
			t.Error("expected photo ref to be cleared")
		}
		if fx.artifacts.deletes[len(fx.artifacts.deletes)-1] != set.PhotoRef {
			t.Error("expected the stored photo object to be deleted")
		}
	})

	t.Run("Delete Song Removes The Photo Too", func(t *testing.T) {
		fx := newSongFixture()
		owner := uuid.New()
		song := uploadSong(t, fx, owner)

		set, err := fx.svc.SetPhoto(context.Background(), owner, song.ID, "cover.png", bytes.NewReader([]byte("png-bytes")), "image/png")
		if err != nil {
			t.Fatal(err)
		}
		if err := fx.svc.DeleteSong(context.Background(), owner, song.ID); err != nil {
			t.Fatal(err)
		}

		// Original, normalized and the photo.
		if len(fx.artifacts.deletes) != 3 {
			t.Fatalf("expected 3 artifact deletes, got %d: %v", len(fx.artifacts.deletes), fx.artifacts.deletes)
		}
		found := false
		for _, ref := range fx.artifacts.deletes {
			if ref == set.PhotoRef {
				found = true
			}
		}
		if !found {
			t.Error("photo object must be deleted with the song")
		}
	})

	t.Run("Foreign Song Is Not Found", func(t *testing.T) {
		fx := newSongFixture()
		song := uploadSong(t, fx, uuid.New())

		_, err := fx.svc.SetPhoto(context.Background(), uuid.New(), song.ID, "cover.png", bytes.NewReader([]byte("png-bytes")), "image/png")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		_, err = fx.svc.RemovePhoto(context.Background(), uuid.New(), song.ID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
