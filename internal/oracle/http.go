package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

func (c HTTPConfig) client() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// HTTPVoice places calls through a JSON endpoint:
// POST {"phone","script","ivr"} -> {"call_id"}.
type HTTPVoice struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPVoice(cfg HTTPConfig) *HTTPVoice {
	return &HTTPVoice{cfg: cfg, client: cfg.client()}
}

type callRequest struct {
	Phone  string `json:"phone"`
	Script string `json:"script"`
	IVR    bool   `json:"ivr"`
}

type callResponse struct {
	CallID string `json:"call_id"`
}

func (v *HTTPVoice) MakeCall(ctx context.Context, phone, script string, ivr bool) (string, error) {
	body, err := json.Marshal(callRequest{Phone: phone, Script: script, IVR: ivr})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", unavailable("voice", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, v.cfg.Headers)

	var out callResponse
	if err := doJSON(v.client, req, &out); err != nil {
		return "", unavailable("voice", err)
	}
	if out.CallID == "" {
		return "", unavailable("voice", fmt.Errorf("empty call_id"))
	}
	return out.CallID, nil
}

// HTTPCalendar answers busy checks through GET <url>?at=<RFC3339> -> {"busy"}.
type HTTPCalendar struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPCalendar(cfg HTTPConfig) *HTTPCalendar {
	return &HTTPCalendar{cfg: cfg, client: cfg.client()}
}

type busyResponse struct {
	Busy *bool `json:"busy"`
}

func (c *HTTPCalendar) IsBusy(ctx context.Context, now time.Time) (bool, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return false, unavailable("calendar", err)
	}
	q := u.Query()
	q.Set("at", now.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, unavailable("calendar", err)
	}
	setHeaders(req, c.cfg.Headers)

	var out busyResponse
	if err := doJSON(c.client, req, &out); err != nil {
		return false, unavailable("calendar", err)
	}
	if out.Busy == nil {
		return false, unavailable("calendar", fmt.Errorf("response has no busy field"))
	}
	return *out.Busy, nil
}

func setHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
