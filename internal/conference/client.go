// Package conference talks to the external conferencing service that hosts
// the audio/video room for a session. The engine only needs an opaque
// meeting reference back.
package conference

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"liveclass/internal/session"
)

// Client calls the conferencing service. With Skip set it returns synthetic
// references and never touches the network.
type Client struct {
	BaseURL   string
	APIKey    string
	APISecret string
	HTTP      *http.Client
	Skip      bool

	now func() time.Time
}

// New creates a client with configurable timeout.
func New(baseURL, apiKey, apiSecret string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		APISecret: apiSecret,
		Skip:      skip,
		HTTP:      &http.Client{Timeout: timeout},
		now:       time.Now,
	}
}

type createMeetingResponse struct {
	MeetingID string `json:"meeting_id"`
	JoinURL   string `json:"join_url"`
}

// CreateMeeting provisions a room for s and returns its reference.
func (c *Client) CreateMeeting(ctx context.Context, s *session.Session) (string, error) {
	if c.Skip {
		return "skip:" + s.ID, nil
	}

	params := map[string]string{
		"external_id": s.ID,
		"title":       s.Title,
		"program":     s.Program,
		"start":       s.ScheduledStart.UTC().Format(time.RFC3339),
		"duration":    strconv.Itoa(s.DurationMinutes),
		"timestamp":   strconv.FormatInt(c.now().Unix(), 10),
		"api_key":     c.APIKey,
	}
	params["signature"] = c.sign(params)

	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("conference: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/meetings", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("conference: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("conference service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("conference service error %s: %s", resp.Status, strings.TrimSpace(string(bodyBytes)))
	}

	var out createMeetingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("conference: decode response: %w", err)
	}
	switch {
	case out.JoinURL != "":
		return out.JoinURL, nil
	case out.MeetingID != "":
		return out.MeetingID, nil
	}
	return "", fmt.Errorf("conference service returned no meeting reference")
}

// Health checks if the conferencing service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("conference service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("conference service unhealthy: %s", resp.Status)
	}
	return nil
}

// sign computes the request signature: sorted key=value pairs joined by &,
// followed by the secret, hashed with SHA-1. api_key and empty values are
// excluded.
func (c *Client) sign(params map[string]string) string {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if k != "api_key" && k != "signature" && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)

	h := sha1.New()
	h.Write([]byte(strings.Join(pairs, "&") + c.APISecret))
	return fmt.Sprintf("%x", h.Sum(nil))
}
