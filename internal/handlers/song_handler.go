package handlers

import (
	"errors"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/songanizer/backend/internal/config"
	"github.com/songanizer/backend/internal/models"
	"github.com/songanizer/backend/internal/pkg/audio"
	"github.com/songanizer/backend/internal/services"
	"github.com/songanizer/backend/pkg/validation"
)

type SongHandler struct {
	cfg            *config.Config
	songService    *services.SongService
	storageService *services.StorageService
}

func NewSongHandler(cfg *config.Config, songService *services.SongService, storageService *services.StorageService) *SongHandler {
	return &SongHandler{
		cfg:            cfg,
		songService:    songService,
		storageService: storageService,
	}
}

// Upload ingests one audio file: spool to scratch, normalize, store, submit
// for analysis. Failures after the artifacts are stored still leave the song
// record behind; the client gets a generic 400 either way.
func (h *SongHandler) Upload(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	files := form.File["audio"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing audio field"})
		return
	}

	// Each file runs the pipeline independently; one bad file does not stop
	// the others, but any failure makes the whole request report an error.
	var songs []*models.Song
	failed := false
	for _, fileHeader := range files {
		if h.cfg.UploadMaxBytes > 0 && fileHeader.Size > h.cfg.UploadMaxBytes {
			log.Printf("WARN: rejecting oversized upload %s (%d bytes)", fileHeader.Filename, fileHeader.Size)
			failed = true
			continue
		}

		song, err := h.processUpload(c, userID.(uuid.UUID), fileHeader)
		if err != nil {
			// The record may still exist with an explicit failure status.
			log.Printf("ERROR: upload %s failed: %v", fileHeader.Filename, err)
			failed = true
		}
		if song != nil {
			songs = append(songs, song)
		}
	}

	if failed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"songs":   songs,
	})
}

func (h *SongHandler) processUpload(c *gin.Context, ownerID uuid.UUID, fileHeader *multipart.FileHeader) (*models.Song, error) {
	src, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	spoolPath, size, checksum, err := h.storageService.SaveStream(c.Request.Context(), src)
	if err != nil {
		return nil, err
	}
	defer h.storageService.Cleanup(spoolPath, audio.OutputPath(spoolPath))
	log.Printf("INFO: spooled upload %s (%d bytes, sha256 %s)", fileHeader.Filename, size, checksum)

	return h.songService.CreateFromUpload(c.Request.Context(), ownerID, spoolPath, fileHeader.Filename)
}

// AnalysisCallback receives the provider's completion webhook.
func (h *SongHandler) AnalysisCallback(c *gin.Context) {
	if h.cfg.AnalysisWebhookSecret != "" {
		if c.GetHeader("X-Webhook-Secret") != h.cfg.AnalysisWebhookSecret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
	}

	var payload struct {
		Event struct {
			Status string `json:"status"`
		} `json:"event"`
		Resource struct {
			ID string `json:"id"`
		} `json:"resource"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed callback payload"})
		return
	}
	if payload.Resource.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing resource id"})
		return
	}

	err := h.songService.ReconcileAnalysis(c.Request.Context(), payload.Resource.ID, payload.Event.Status)
	if err != nil {
		if errors.Is(err, services.ErrDanglingCallback) {
			// Acknowledge so the provider stops redelivering.
			log.Printf("WARN: dropping dangling analysis callback for job %s", payload.Resource.ID)
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		// Non-2xx makes the provider redeliver later.
		log.Printf("ERROR: analysis callback for job %s failed: %v", payload.Resource.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "callback processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListMine returns the caller's songs
func (h *SongHandler) ListMine(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	limit, offset := pagination(c)
	songs, total, err := h.songService.ListSongsByOwner(c.Request.Context(), userID.(uuid.UUID), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list songs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"songs": songs,
		"total": total,
	})
}

// ListVisible returns publicly listed songs
func (h *SongHandler) ListVisible(c *gin.Context) {
	limit, offset := pagination(c)
	songs, total, err := h.songService.ListVisibleSongs(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list songs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"songs": songs,
		"total": total,
	})
}

// Get returns a single song
func (h *SongHandler) Get(c *gin.Context) {
	songID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid song id"})
		return
	}

	song, err := h.songService.GetSong(c.Request.Context(), songID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
		return
	}

	// Hidden songs are only visible to their owner
	if !song.Visible {
		userID, exists := c.Get("userID")
		if !exists || userID.(uuid.UUID) != song.OwnerID {
			c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"song": song})
}

// Update changes a song's mutable metadata
func (h *SongHandler) Update(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	songID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid song id"})
		return
	}

	var req struct {
		Title        *string `json:"title"`
		Visible      *bool   `json:"visible"`
		Downloadable *bool   `json:"downloadable"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Title != nil && !validation.ValidateSongTitle(*req.Title) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid song title"})
		return
	}

	song, err := h.songService.UpdateSongMetadata(c.Request.Context(), userID.(uuid.UUID), songID, req.Title, req.Visible, req.Downloadable)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update song"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"song": song})
}

// Delete removes a song and its stored audio
func (h *SongHandler) Delete(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	songID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid song id"})
		return
	}

	if err := h.songService.DeleteSong(c.Request.Context(), userID.(uuid.UUID), songID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete song"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Song deleted"})
}

// Resubmit starts a fresh analysis for an already stored song
func (h *SongHandler) Resubmit(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	songID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid song id"})
		return
	}

	song, err := h.songService.ResubmitAnalysis(c.Request.Context(), userID.(uuid.UUID), songID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
			return
		}
		// A partially successful resubmission still updated the record.
		if song != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "analysis submission failed", "song": song})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resubmit analysis"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"song": song})
}

// SetPhoto stores or replaces a song's cover photo. The file arrives in the
// multipart field "playlistphoto", matching what clients already send.
func (h *SongHandler) SetPhoto(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	songID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid song id"})
		return
	}

	fileHeader, err := c.FormFile("playlistphoto")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing playlistphoto field"})
		return
	}
	if h.cfg.UploadMaxBytes > 0 && fileHeader.Size > h.cfg.UploadMaxBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo too large"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable photo upload"})
		return
	}
	defer src.Close()

	ctype := services.GetImageContentType(fileHeader.Filename)
	song, err := h.songService.SetPhoto(c.Request.Context(), userID.(uuid.UUID), songID, fileHeader.Filename, src, ctype)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
			return
		}
		log.Printf("ERROR: storing photo for song %s failed: %v", songID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store photo"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"song": song})
}

// RemovePhoto deletes a song's cover photo
func (h *SongHandler) RemovePhoto(c *gin.Context) {
	userID, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	songID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid song id"})
		return
	}

	song, err := h.songService.RemovePhoto(c.Request.Context(), userID.(uuid.UUID), songID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove photo"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"song": song})
}

// Photo resolves the fetchable URL for a song's cover photo
func (h *SongHandler) Photo(c *gin.Context) {
	songID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid song id"})
		return
	}

	song, err := h.songService.GetSong(c.Request.Context(), songID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
		return
	}
	if !song.Visible {
		userID, exists := c.Get("userID")
		if !exists || userID.(uuid.UUID) != song.OwnerID {
			c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
			return
		}
	}

	url, err := h.songService.PhotoURL(c.Request.Context(), songID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no photo available"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Stream resolves the playable URL for a song's audio
func (h *SongHandler) Stream(c *gin.Context) {
	songID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid song id"})
		return
	}

	song, err := h.songService.GetSong(c.Request.Context(), songID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
		return
	}
	if !song.Visible {
		userID, exists := c.Get("userID")
		if !exists || userID.(uuid.UUID) != song.OwnerID {
			c.JSON(http.StatusNotFound, gin.H{"error": "song not found"})
			return
		}
	}

	url, err := h.songService.StreamURL(c.Request.Context(), songID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audio available"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
