package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emailassist/emailassist/internal/metrics"
	"github.com/emailassist/emailassist/internal/trace"
)

// HTTPClient talks to the backend service over HTTP
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithTimeout bounds each call. Zero leaves calls unbounded.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the full URL requests are posted to
func (c *HTTPClient) Endpoint() string {
	return c.baseURL + ProcessEmailPath
}

type processRequest struct {
	EmailText string `json:"email_text"`
}

type failureBody struct {
	Detail json.RawMessage `json:"detail"`
}

// Process posts the email text and decodes the backend's answer.
// A non-2xx answer yields *BackendError; anything else that goes wrong is
// returned as is.
func (c *HTTPClient) Process(ctx context.Context, emailText string) (*Result, error) {
	b, err := json.Marshal(processRequest{EmailText: emailText})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordBackendCall("error", time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.RecordBackendCall(strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &BackendError{
			StatusCode: resp.StatusCode,
			Detail:     parseDetail(body),
		}
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, decodeError(err)
	}
	result.StatusCode = resp.StatusCode
	return &result, nil
}

// parseDetail pulls the error message out of a failure body. FastAPI sends
// either a string or, for validation errors, a list of {msg} objects.
func parseDetail(body []byte) string {
	var fb failureBody
	if err := json.Unmarshal(body, &fb); err != nil || len(fb.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(fb.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(fb.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
