package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CompareResult is the face service's answer for a reference/capture pair.
type CompareResult struct {
	Similarity float64 `json:"similarity"`
	Match      bool    `json:"match"`
	Threshold  float64 `json:"threshold"`
}

// Client calls the external face-comparison microservice. The service is
// slow (seconds per comparison) and may be unreachable; callers block on it
// and fail closed when it cannot answer. There is no local fallback.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip enables a mock mode that always matches,
// for development without the service running.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Compare asks the service whether two face images show the same person.
func (c *Client) Compare(ctx context.Context, referenceURL, capturedURL string) (*CompareResult, error) {
	if c.Skip {
		return &CompareResult{Similarity: 0.85, Match: true, Threshold: 0.5}, nil
	}
	if referenceURL == "" || capturedURL == "" {
		return nil, fmt.Errorf("both image urls required")
	}

	body, _ := json.Marshal(map[string]string{
		"image_url_1": referenceURL,
		"image_url_2": capturedURL,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/compare", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out CompareResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// SameSubject adapts Compare to the boolean oracle contract used by the
// capture flow.
func (c *Client) SameSubject(ctx context.Context, referenceURL, capturedURL string) (bool, error) {
	res, err := c.Compare(ctx, referenceURL, capturedURL)
	if err != nil {
		return false, err
	}
	return res.Match, nil
}

// Health checks if the face service is available.
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
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
