package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/songanizer/backend/internal/config"
)

// MarketingService upserts registered users into an external contact list.
// All calls are best-effort; a failing marketing API never blocks signup.
type MarketingService struct {
	cfg    *config.Config
	client *http.Client
}

type marketingContact struct {
	Email      string                 `json:"email"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	ListIDs    []string               `json:"listIds,omitempty"`
	Update     bool                   `json:"updateEnabled"`
}

func NewMarketingService(cfg *config.Config) *MarketingService {
	return &MarketingService{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// UpsertContact creates or updates a contact for a registered user.
func (s *MarketingService) UpsertContact(email, name string) error {
	if !s.cfg.MarketingEnabled {
		return nil
	}
	if s.cfg.MarketingAPIUrl == "" || s.cfg.MarketingAPIKey == "" {
		return fmt.Errorf("marketing api not configured")
	}

	contact := marketingContact{
		Email:  email,
		Update: true,
	}
	if name != "" {
		contact.Attributes = map[string]interface{}{"NAME": name}
	}
	if s.cfg.MarketingListID != "" {
		contact.ListIDs = []string{s.cfg.MarketingListID}
	}

	b, err := json.Marshal(contact)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", s.cfg.MarketingAPIUrl+"/contacts", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", s.cfg.MarketingAPIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("contact upsert failed with status %d", resp.StatusCode)
	}
	return nil
}
