package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/songanizer/backend/internal/config"
	"github.com/songanizer/backend/internal/models"
	"golang.org/x/time/rate"
)

var (
	// ErrUploadFailed covers failed transfers to the provider's upload slot.
	ErrUploadFailed = errors.New("artifact upload failed")
	// ErrJobCreationFailed is an error-typed result from the create mutation.
	ErrJobCreationFailed = errors.New("analysis job creation failed")
	// ErrEnqueueFailed is an error-typed result from the enqueue mutation.
	// The submission keeps whatever job id it obtained; the failure stays
	// visible on the Song record for out-of-band retry.
	ErrEnqueueFailed = errors.New("analysis enqueue failed")
	// ErrResultPending means the provider has not materialized the result
	// yet. Callers retry with backoff instead of sleeping a fixed delay.
	ErrResultPending = errors.New("analysis result not yet available")
	// ErrAnalysisFailed is a terminal provider-side failure for a job.
	ErrAnalysisFailed = errors.New("analysis failed")
)

// AnalysisService talks to a Cyanite-compatible GraphQL endpoint: one-time
// upload slots, job creation, explicit enqueue, and result reads. All calls
// are bearer-authenticated, throttled client-side and bounded by the
// configured request timeout.
type AnalysisService struct {
	cfg     *config.Config
	client  *http.Client
	limiter *rate.Limiter
	apiURL  string
	token   string
}

func NewAnalysisService(cfg *config.Config) *AnalysisService {
	rps := cfg.AnalysisRequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	return &AnalysisService{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.AnalysisRequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		apiURL:  cfg.AnalysisAPIUrl,
		token:   cfg.AnalysisAccessToken,
	}
}

const fileUploadRequestMutation = `mutation fileUploadRequest {
  fileUploadRequest {
    id
    uploadUrl
  }
}`

const analysisCreateMutation = `mutation inDepthAnalysisCreate($data: InDepthAnalysisCreateInput!) {
  inDepthAnalysisCreate(data: $data) {
    __typename
    ... on InDepthAnalysisCreateResultSuccess {
      inDepthAnalysis {
        id
        status
      }
    }
    ... on Error {
      message
    }
  }
}`

const analysisEnqueueMutation = `mutation inDepthAnalysisEnqueueAnalysis($input: InDepthAnalysisEnqueueAnalysisInput!) {
  inDepthAnalysisEnqueueAnalysis(data: $input) {
    __typename
    ... on InDepthAnalysisEnqueueAnalysisResultSuccess {
      success
      inDepthAnalysis {
        id
        status
      }
    }
    ... on Error {
      message
    }
  }
}`

const analysisResultQuery = `query LibraryTrackResult($libraryTrackId: ID!) {
  libraryTrack(id: $libraryTrackId) {
    __typename
    ... on Error {
      message
    }
    ... on LibraryTrack {
      id
      audioAnalysisV6 {
        __typename
        ... on AudioAnalysisV6Finished {
          result {
            bpm
            key
            timeSignature
            genreTags
            moodTags
            instrumentTags
            musicalEraTag
            valence
            arousal
            energyLevel
            energyDynamics
            emotionalProfile
            emotionalDynamics
            voicePresenceProfile
            predominantVoiceGender
            genre {
              ambient
              blues
              classical
              country
              electronicDance
              folk
              indieAlternative
              jazz
              latin
              metal
              pop
              punk
              rapHipHop
              reggae
              rnb
              rock
              singerSongwriter
            }
            mood {
              aggressive
              calm
              chilled
              dark
              energetic
              epic
              happy
              romantic
              sad
              scary
              sexy
              ethereal
              uplifting
            }
            voice {
              female
              instrumental
              male
            }
          }
        }
        ... on AudioAnalysisV6Failed {
          error {
            message
          }
        }
      }
    }
  }
}`

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// do executes one GraphQL call and decodes the data envelope into out.
func (s *AnalysisService) do(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analysis api returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode analysis api response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("analysis api error: %s", envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode analysis api data: %w", err)
		}
	}
	return nil
}

// UploadSlot is a one-time upload target. Slots are single-use: a failed
// submission must request a fresh one, never reuse a stale id.
type UploadSlot struct {
	ID        string `json:"id"`
	UploadURL string `json:"uploadUrl"`
}

// RequestUploadSlot asks the provider for a one-time upload URL and id.
func (s *AnalysisService) RequestUploadSlot(ctx context.Context) (*UploadSlot, error) {
	var data struct {
		FileUploadRequest UploadSlot `json:"fileUploadRequest"`
	}
	if err := s.do(ctx, fileUploadRequestMutation, nil, &data); err != nil {
		return nil, fmt.Errorf("upload slot request failed: %w", err)
	}
	if data.FileUploadRequest.ID == "" || data.FileUploadRequest.UploadURL == "" {
		return nil, fmt.Errorf("upload slot request returned empty slot")
	}
	return &data.FileUploadRequest, nil
}

// PushArtifact transfers the normalized artifact to the slot's upload URL.
// Content-Length must be set explicitly; anything but 200 is ErrUploadFailed.
func (s *AnalysisService) PushArtifact(ctx context.Context, uploadURL string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "audio/mpeg")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
	}
	return nil
}

// CreateJob registers an analysis job for a completed upload and returns the
// provider-assigned job id and its initial status.
func (s *AnalysisService) CreateJob(ctx context.Context, uploadID, fileName string) (jobID, status string, err error) {
	var data struct {
		InDepthAnalysisCreate struct {
			Typename        string `json:"__typename"`
			Message         string `json:"message"`
			InDepthAnalysis struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"inDepthAnalysis"`
		} `json:"inDepthAnalysisCreate"`
	}
	vars := map[string]interface{}{
		"data": map[string]interface{}{
			"fileName": fileName,
			"uploadId": uploadID,
		},
	}
	if err := s.do(ctx, analysisCreateMutation, vars, &data); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrJobCreationFailed, err)
	}
	if strings.HasSuffix(data.InDepthAnalysisCreate.Typename, "Error") {
		return "", "", fmt.Errorf("%w: %s", ErrJobCreationFailed, data.InDepthAnalysisCreate.Message)
	}
	if data.InDepthAnalysisCreate.InDepthAnalysis.ID == "" {
		return "", "", fmt.Errorf("%w: empty job id", ErrJobCreationFailed)
	}
	return data.InDepthAnalysisCreate.InDepthAnalysis.ID, data.InDepthAnalysisCreate.InDepthAnalysis.Status, nil
}

// EnqueueJob explicitly asks the provider to start processing a created job.
func (s *AnalysisService) EnqueueJob(ctx context.Context, jobID string) error {
	var data struct {
		InDepthAnalysisEnqueueAnalysis struct {
			Typename string `json:"__typename"`
			Message  string `json:"message"`
			Success  bool   `json:"success"`
		} `json:"inDepthAnalysisEnqueueAnalysis"`
	}
	vars := map[string]interface{}{
		"input": map[string]interface{}{
			"inDepthAnalysisId": jobID,
		},
	}
	if err := s.do(ctx, analysisEnqueueMutation, vars, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	if strings.HasSuffix(data.InDepthAnalysisEnqueueAnalysis.Typename, "Error") {
		return fmt.Errorf("%w: %s", ErrEnqueueFailed, data.InDepthAnalysisEnqueueAnalysis.Message)
	}
	return nil
}

// wire shape of audioAnalysisV6's result payload
type analysisResultWire struct {
	Bpm                    float64            `json:"bpm"`
	Key                    string             `json:"key"`
	TimeSignature          string             `json:"timeSignature"`
	GenreTags              []string           `json:"genreTags"`
	MoodTags               []string           `json:"moodTags"`
	InstrumentTags         []string           `json:"instrumentTags"`
	MusicalEraTag          string             `json:"musicalEraTag"`
	Valence                float64            `json:"valence"`
	Arousal                float64            `json:"arousal"`
	EnergyLevel            string             `json:"energyLevel"`
	EnergyDynamics         string             `json:"energyDynamics"`
	EmotionalProfile       string             `json:"emotionalProfile"`
	EmotionalDynamics      string             `json:"emotionalDynamics"`
	VoicePresenceProfile   string             `json:"voicePresenceProfile"`
	PredominantVoiceGender string             `json:"predominantVoiceGender"`
	Genre                  map[string]float64 `json:"genre"`
	Mood                   map[string]float64 `json:"mood"`
	Voice                  map[string]float64 `json:"voice"`
}

func (w *analysisResultWire) toModel() *models.AnalysisResult {
	return &models.AnalysisResult{
		Bpm:                    w.Bpm,
		Key:                    w.Key,
		TimeSignature:          w.TimeSignature,
		GenreTags:              w.GenreTags,
		MoodTags:               w.MoodTags,
		InstrumentTags:         w.InstrumentTags,
		MusicalEraTag:          w.MusicalEraTag,
		Genre:                  w.Genre,
		Mood:                   w.Mood,
		Voice:                  w.Voice,
		Valence:                w.Valence,
		Arousal:                w.Arousal,
		EnergyLevel:            w.EnergyLevel,
		EnergyDynamics:         w.EnergyDynamics,
		EmotionalProfile:       w.EmotionalProfile,
		EmotionalDynamics:      w.EmotionalDynamics,
		VoicePresenceProfile:   w.VoicePresenceProfile,
		PredominantVoiceGender: w.PredominantVoiceGender,
	}
}

// FetchResult reads the full analysis result for a job id. Returns
// ErrResultPending while the provider is still processing (or has not yet
// materialized the read model after its webhook fired) and ErrAnalysisFailed
// for terminal provider-side failures.
func (s *AnalysisService) FetchResult(ctx context.Context, jobID string) (*models.AnalysisResult, error) {
	var data struct {
		LibraryTrack struct {
			Typename        string `json:"__typename"`
			Message         string `json:"message"`
			AudioAnalysisV6 struct {
				Typename string             `json:"__typename"`
				Result   analysisResultWire `json:"result"`
				Error    struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"audioAnalysisV6"`
		} `json:"libraryTrack"`
	}
	vars := map[string]interface{}{"libraryTrackId": jobID}
	if err := s.do(ctx, analysisResultQuery, vars, &data); err != nil {
		return nil, err
	}

	if strings.HasSuffix(data.LibraryTrack.Typename, "Error") {
		return nil, fmt.Errorf("analysis result read error for job %s: %s", jobID, data.LibraryTrack.Message)
	}

	switch data.LibraryTrack.AudioAnalysisV6.Typename {
	case "AudioAnalysisV6Finished":
		return data.LibraryTrack.AudioAnalysisV6.Result.toModel(), nil
	case "AudioAnalysisV6Failed":
		return nil, fmt.Errorf("%w: %s", ErrAnalysisFailed, data.LibraryTrack.AudioAnalysisV6.Error.Message)
	default:
		return nil, fmt.Errorf("%w: state %s", ErrResultPending, data.LibraryTrack.AudioAnalysisV6.Typename)
	}
}
