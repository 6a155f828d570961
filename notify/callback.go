package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"wanrunner/logger"
)

const userAgent = "wanrunner/1.0"

// Callback POSTs notices as JSON to a URL.
type Callback struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func NewCallback(url string, headers map[string]string) *Callback {
	return &Callback{URL: url, Headers: headers, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Callback) Notify(ctx context.Context, n Notice) error {
	if c.URL == "" {
		return nil
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for key, value := range c.Headers {
		req.Header.Set(key, value)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned non-2xx status: %d", resp.StatusCode)
	}
	logger.Infof("Sent %s callback for job %s to %s", n.Status, n.JobID, c.URL)
	return nil
}
