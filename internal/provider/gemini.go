// Package provider implements the Gemini REST client used for AI intent
// resolution, with a configurable model fallback chain. Callers treat
// Generate as an opaque, failure-prone operation; retry policy, circuit
// breaking and budget checks all live with the caller.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sakha-crm/assistant/pkg/models"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// ErrEmptyResponse indicates the model returned no usable text.
var ErrEmptyResponse = errors.New("provider: empty response from model")

// HTTPError is a non-2xx reply from the Gemini API.
type HTTPError struct {
	StatusCode int
	Model      string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider: model %s returned status %d", e.Model, e.StatusCode)
}

// Response is the outcome of a successful generation call.
type Response struct {
	Text  string
	Model string
	Usage models.TokenUsage
}

// Client calls the Gemini generateContent API, trying each configured model
// in order until one succeeds.
type Client struct {
	apiKey     string
	models     []string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Gemini client. The model list is tried in order.
func NewClient(apiKey string, modelList []string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		models:     modelList,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBaseURL points the client at a different API host. Tests only.
func (c *Client) SetBaseURL(u string) { c.baseURL = strings.TrimRight(u, "/") }

// Generate sends the prompt to each model in the fallback chain until one
// returns usable text. The last model's error is returned when all fail.
func (c *Client) Generate(ctx context.Context, prompt string) (*Response, error) {
	if c.apiKey == "" || len(c.models) == 0 {
		return nil, errors.New("provider: gemini is not configured")
	}

	var lastErr error
	for _, model := range c.models {
		resp, err := c.generateWithModel(ctx, model, prompt)
		if err != nil {
			lastErr = err
			log.Printf("[CHATBOT] gemini model %s error: %v", model, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		log.Printf("[CHATBOT] gemini model %s responded successfully", model)
		return resp, nil
	}
	return nil, fmt.Errorf("provider: all gemini models failed: %w", lastErr)
}

// generateRequest is the generateContent request body.
type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

// generateResponse is the subset of the generateContent reply we consume.
type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) generateWithModel(ctx context.Context, model, prompt string) (*Response, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("provider: encoding request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: calling gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Model: model}
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("provider: decoding gemini response: %w", err)
	}

	text := ""
	if len(parsed.Candidates) > 0 && len(parsed.Candidates[0].Content.Parts) > 0 {
		text = parsed.Candidates[0].Content.Parts[0].Text
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Text:  text,
		Model: model,
		Usage: models.TokenUsage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

// Retryable classifies provider errors for the retry executor. Timeouts,
// network failures, 429 and 5xx replies are transient; other client errors
// (bad request, auth) will not improve with retries.
func Retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Transport-level failures surface as url.Error wrapping syscall errors.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
