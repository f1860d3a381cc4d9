package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookTrigger starts stages on a remote curator by POSTing the request
// to <URL>/api/v1/stages/<stage>.
type WebhookTrigger struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewWebhookTrigger returns a trigger posting to baseURL with a bearer token.
func NewWebhookTrigger(baseURL, token string) *WebhookTrigger {
	return &WebhookTrigger{
		URL:   strings.TrimSuffix(baseURL, "/"),
		Token: token,
		Client: &http.Client{
			Timeout: 30 * time.Minute,
		},
	}
}

// Trigger implements StageTrigger. Any non-2xx reply is an error.
func (w *WebhookTrigger) Trigger(ctx context.Context, req StageRequest, wait bool) error {
	req.Wait = wait
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := w.URL + "/api/v1/stages/" + string(req.Stage)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.Token)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", req.Stage, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(req.Stage, resp)
	}
	return nil
}

func parseError(stage Stage, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("trigger %s: %s: %s", stage, errResp.Error, errResp.Message)
	}
	return fmt.Errorf("trigger %s: status %d: %s", stage, resp.StatusCode, strings.TrimSpace(string(body)))
}
