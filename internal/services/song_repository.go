package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/songanizer/backend/internal/models"
	"gorm.io/gorm"
)

// SongRepository is the persistence boundary for Song records. The pipeline
// depends on this interface only; the GORM implementation below is the
// production backend.
type SongRepository interface {
	Create(ctx context.Context, song *models.Song) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Song, error)
	GetByJobID(ctx context.Context, jobID string) (*models.Song, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Song, int64, error)
	ListVisible(ctx context.Context, limit, offset int) ([]models.Song, int64, error)
	Update(ctx context.Context, song *models.Song) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type gormSongRepository struct {
	db *gorm.DB
}

func NewSongRepository(db *gorm.DB) SongRepository {
	return &gormSongRepository{db: db}
}

func (r *gormSongRepository) Create(ctx context.Context, song *models.Song) error {
	return r.db.WithContext(ctx).Create(song).Error
}

func (r *gormSongRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Song, error) {
	var song models.Song
	if err := r.db.WithContext(ctx).First(&song, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &song, nil
}

func (r *gormSongRepository) GetByJobID(ctx context.Context, jobID string) (*models.Song, error) {
	var song models.Song
	if err := r.db.WithContext(ctx).First(&song, "analysis_job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &song, nil
}

func (r *gormSongRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Song, int64, error) {
	var songs []models.Song
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Song{}).Where("owner_id = ?", ownerID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&songs).Error; err != nil {
		return nil, 0, err
	}
	return songs, total, nil
}

func (r *gormSongRepository) ListVisible(ctx context.Context, limit, offset int) ([]models.Song, int64, error) {
	var songs []models.Song
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Song{}).Where("visible = ?", true)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&songs).Error; err != nil {
		return nil, 0, err
	}
	return songs, total, nil
}

func (r *gormSongRepository) Update(ctx context.Context, song *models.Song) error {
	return r.db.WithContext(ctx).Save(song).Error
}

func (r *gormSongRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.Song{}, "id = ?", id).Error
}
