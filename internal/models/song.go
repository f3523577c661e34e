package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AnalysisStatus string

const (
	AnalysisStatusUnsubmitted AnalysisStatus = "unsubmitted"
	AnalysisStatusRequested   AnalysisStatus = "requested"
	AnalysisStatusFinished    AnalysisStatus = "finished"
	AnalysisStatusFailed      AnalysisStatus = "failed"
)

// Song is a user-owned audio track with its stored artifacts and the state of
// its external analysis job.
type Song struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_id"`

	Title      string `gorm:"size:255" json:"title"`
	TrackTitle string `gorm:"size:255" json:"track_title"`

	// Opaque storage locators ("bucket/key"), persisted verbatim at upload
	// time. Deletion recovers the backend key from these, never from the
	// display filename.
	OriginalRef   string `gorm:"size:1024" json:"original_ref"`
	NormalizedRef string `gorm:"size:1024" json:"normalized_ref"`

	// PhotoRef locates the optional cover photo. It lives in the same
	// storage folder as the audio artifacts; replacing it deletes the
	// superseded object.
	PhotoRef string `gorm:"size:1024" json:"photo_ref,omitempty"`

	// AnalysisJobID set exactly once per submission attempt; a resubmission
	// stores the new job id and supersedes the old one.
	AnalysisJobID  *string         `gorm:"size:128;index" json:"analysis_job_id,omitempty"`
	AnalysisStatus AnalysisStatus  `gorm:"size:16;default:'unsubmitted'" json:"analysis_status"`
	AnalysisResult *AnalysisResult `gorm:"type:jsonb" json:"analysis_result,omitempty"`

	Visible      bool `gorm:"default:true" json:"visible"`
	Downloadable bool `gorm:"default:true" json:"downloadable"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Owner *User `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
}

func (s *Song) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// AnalysisResult is the structured payload returned by the analysis provider
// for a finished job (audioAnalysisV6 shape, trimmed to the fields we serve).
type AnalysisResult struct {
	Bpm           float64 `json:"bpm,omitempty"`
	Key           string  `json:"key,omitempty"`
	TimeSignature string  `json:"time_signature,omitempty"`

	GenreTags      []string `json:"genre_tags,omitempty"`
	MoodTags       []string `json:"mood_tags,omitempty"`
	InstrumentTags []string `json:"instrument_tags,omitempty"`
	MusicalEraTag  string   `json:"musical_era_tag,omitempty"`

	Genre map[string]float64 `json:"genre,omitempty"`
	Mood  map[string]float64 `json:"mood,omitempty"`
	Voice map[string]float64 `json:"voice,omitempty"`

	Valence                float64 `json:"valence,omitempty"`
	Arousal                float64 `json:"arousal,omitempty"`
	EnergyLevel            string  `json:"energy_level,omitempty"`
	EnergyDynamics         string  `json:"energy_dynamics,omitempty"`
	EmotionalProfile       string  `json:"emotional_profile,omitempty"`
	EmotionalDynamics      string  `json:"emotional_dynamics,omitempty"`
	VoicePresenceProfile   string  `json:"voice_presence_profile,omitempty"`
	PredominantVoiceGender string  `json:"predominant_voice_gender,omitempty"`
}

// Value implements driver.Valuer so GORM stores the result as jsonb.
func (r AnalysisResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for reading the jsonb column back.
func (r *AnalysisResult) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("unsupported type for AnalysisResult: %T", value)
	}
}
