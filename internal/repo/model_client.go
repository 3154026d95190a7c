package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ModelClient calls a remote scoring model over JSON/HTTP.
//
// The endpoint receives {"model", "service", "subject_id", "payload"} and must
// answer 200 with {"signal": <number>}.
type ModelClient struct {
	baseURL    string
	scorePath  string
	headers    map[string]string
	httpClient *http.Client
}

// NewModelClient constructs a client targeting baseURL + scorePath.
func NewModelClient(baseURL, scorePath string, timeout time.Duration, headers map[string]string) *ModelClient {
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	return &ModelClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		scorePath: scorePath,
		headers:   copied,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Score asks the remote model for a signal.
func (c *ModelClient) Score(ctx context.Context, model, service, subjectID string, payload map[string]any) (float64, error) {
	if c == nil {
		return 0, fmt.Errorf("model client not initialised")
	}
	if c.baseURL == "" {
		return 0, fmt.Errorf("model base URL not configured")
	}

	request := map[string]any{
		"model":      model,
		"service":    service,
		"subject_id": subjectID,
		"payload":    payload,
	}

	var response struct {
		Signal *float64 `json:"signal"`
	}
	if err := c.postJSON(ctx, c.scoreURL(), request, &response); err != nil {
		return 0, fmt.Errorf("model %s request failed: %w", model, err)
	}
	if response.Signal == nil {
		return 0, fmt.Errorf("model %s returned no signal", model)
	}
	if math.IsNaN(*response.Signal) || math.IsInf(*response.Signal, 0) {
		return 0, fmt.Errorf("model %s returned invalid signal", model)
	}
	return *response.Signal, nil
}

func (c *ModelClient) scoreURL() string { return c.resolvePath(c.scorePath) }

func (c *ModelClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *ModelClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model endpoint returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
