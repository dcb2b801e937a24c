package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transcription-jobs/internal/apperrors"
	"transcription-jobs/internal/models"
)

const maxErrorBody = 512

// ClientConfig configures HTTPClient.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	WebhookURL string // forwarded on submit so the backend can push results
	Timeout    time.Duration
}

// HTTPClient is a thin JSON adapter over the backend's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	webhookURL string
	client     *http.Client
}

// NewHTTPClient builds a client with pooled transport settings.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		webhookURL: cfg.WebhookURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type submitRequest struct {
	MediaURL   string `json:"media_url"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
	ID    string `json:"id"`
}

func (c *HTTPClient) Submit(ctx context.Context, mediaRef string) (string, error) {
	if strings.TrimSpace(mediaRef) == "" {
		return "", Classify(apperrors.Validation("media_ref", "media reference is required"))
	}
	body, err := json.Marshal(submitRequest{MediaURL: mediaRef, WebhookURL: c.webhookURL})
	if err != nil {
		return "", &SubmissionError{Kind: Terminal, Err: err}
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/v1/transcriptions", body)
	if err != nil {
		return "", &SubmissionError{Kind: Terminal, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", Classify(readHTTPError(resp))
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &SubmissionError{Kind: Terminal, Err: fmt.Errorf("decode submit response: %w", err)}
	}
	id := out.JobID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", &SubmissionError{Kind: Terminal, Err: errors.New("backend response missing job id")}
	}
	return id, nil
}

func (c *HTTPClient) PollStatus(ctx context.Context, externalJobID string) (models.Outcome, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/v1/transcriptions/"+url.PathEscape(externalJobID), nil)
	if err != nil {
		return models.Outcome{}, &PollError{ExternalJobID: externalJobID, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return models.Outcome{}, &PollError{ExternalJobID: externalJobID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Outcome{}, &PollError{ExternalJobID: externalJobID, StatusCode: resp.StatusCode, Err: readHTTPError(resp)}
	}
	var raw map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return models.Outcome{}, &PollError{ExternalJobID: externalJobID, Err: fmt.Errorf("decode status: %w", err)}
	}
	out, err := models.ParseOutcome(raw)
	if err != nil {
		return models.Outcome{}, &PollError{ExternalJobID: externalJobID, Err: err}
	}
	if out.ExternalJobID == "" {
		out.ExternalJobID = externalJobID
	}
	return out, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func readHTTPError(resp *http.Response) *HTTPError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

var _ Gateway = (*HTTPClient)(nil)
