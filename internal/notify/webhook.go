package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"
)

// WebhookConfig defines a webhook endpoint.
type WebhookConfig struct {
	Name    string
	URL     string
	Method  string
	Headers map[string]string

	// Template is a Go template for the request body, executed with the
	// Message. Empty means the message is sent as JSON.
	Template string

	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// WebhookChannel POSTs each message to an HTTP endpoint, retrying on
// transport errors and non-2xx responses.
type WebhookChannel struct {
	cfg    WebhookConfig
	tmpl   *template.Template
	client *http.Client
}

func NewWebhookChannel(cfg WebhookConfig) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook %q: url is required", cfg.Name)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &WebhookChannel{cfg: cfg, client: &http.Client{}}
	if cfg.Template != "" {
		tmpl, err := template.New(cfg.Name).Parse(cfg.Template)
		if err != nil {
			return nil, fmt.Errorf("invalid template: %w", err)
		}
		c.tmpl = tmpl
	}
	return c, nil
}

func (c *WebhookChannel) Broadcast(ctx context.Context, msg Message) error {
	body, err := c.render(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
		if lastErr = c.send(ctx, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook %s: %w", c.cfg.Name, lastErr)
}

func (c *WebhookChannel) render(msg Message) ([]byte, error) {
	if c.tmpl == nil {
		b, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
		return b, nil
	}
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, msg); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *WebhookChannel) send(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SlackWebhook returns a config that formats messages for a Slack incoming
// webhook.
func SlackWebhook(name, url string) WebhookConfig {
	return WebhookConfig{
		Name:       name,
		URL:        url,
		Template:   `{"text": {{printf "%q" .Text}}}`,
		Timeout:    5 * time.Second,
		RetryCount: 2,
		RetryDelay: time.Second,
	}
}
