// SPDX-License-Identifier: MIT

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
)

const (
	defaultHTTPTimeout = 2 * time.Minute
	maxResponseBytes   = 4 << 20
)

// HTTPProvider posts prompt and input as JSON to a generation endpoint.
// It speaks a minimal shape, {"prompt","input"} in and {"output"} out, so
// any model gateway can sit behind it.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider builds a provider against baseURL; apiKey may be empty for
// unauthenticated gateways.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	Input  string `json:"input"`
}

type generateResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func (p *HTTPProvider) Call(ctx context.Context, prompt, input string) (string, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, Input: input})
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "encode llm request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "build llm request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "llm request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, err, "read llm response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out generateResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return "", apperr.Wrap(apperr.Unrecoverable, err, "decode llm response")
		}
		if out.Error != "" {
			return "", apperr.Newf(apperr.Unrecoverable, "llm reported: %s", out.Error)
		}
		return out.Output, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		terr := apperr.New(apperr.Transient, "llm rate limited upstream")
		return "", withRetryAfter(terr, parseRetryAfter(resp.Header.Get("Retry-After")))

	case resp.StatusCode >= 500:
		return "", apperr.Newf(apperr.Transient, "llm upstream %d: %s", resp.StatusCode, truncateBody(data))

	default:
		return "", apperr.Newf(apperr.Unrecoverable, "llm rejected request (%d): %s", resp.StatusCode, truncateBody(data))
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(data []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		return fmt.Sprintf("%s… (%d bytes)", s[:limit], len(s))
	}
	return s
}
