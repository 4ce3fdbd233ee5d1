package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// maxResponseBytes caps the response body kept in the action output
const maxResponseBytes = 1 << 20

// HTTPRequestConfig configures http_request
type HTTPRequestConfig struct {
	URL            string            `json:"url" validate:"required,url"`
	Method         string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD get post put patch delete head"`
	Headers        map[string]string `json:"headers"`
	Query          map[string]string `json:"query"`
	Body           interface{}       `json:"body"`
	TimeoutSeconds float64           `json:"timeout_seconds" validate:"gte=0"`
	ExpectStatus   []int             `json:"expect_status"`
}

// HTTPRequestAction calls an external HTTP endpoint
type HTTPRequestAction struct {
	client *http.Client
	logger *logger.Logger
}

// NewHTTPRequestAction creates an http_request action
func NewHTTPRequestAction(client *http.Client, log *logger.Logger) *HTTPRequestAction {
	return &HTTPRequestAction{client: client, logger: log}
}

func (a *HTTPRequestAction) Kind() string { return "http_request" }

func (a *HTTPRequestAction) ValidateConfig(raw map[string]interface{}) error {
	var cfg HTTPRequestConfig
	// templated urls are only checked once interpolated
	if s, ok := raw["url"].(string); ok && strings.Contains(s, "{{") {
		cp := make(map[string]interface{}, len(raw))
		for k, v := range raw {
			cp[k] = v
		}
		cp["url"] = "http://placeholder.invalid"
		raw = cp
	}
	return engine.DecodeConfig(raw, &cfg)
}

func (a *HTTPRequestAction) Execute(ctx context.Context, config map[string]interface{}, _ map[string]interface{}) (map[string]interface{}, error) {
	var cfg HTTPRequestConfig
	if err := engine.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	var body io.Reader
	if cfg.Body != nil && method != http.MethodGet && method != http.MethodHead {
		switch b := cfg.Body.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Bizflow/1.0")
	req.Header.Set("X-Request-ID", uuid.New().String())
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
	if len(cfg.Query) > 0 {
		q := req.URL.Query()
		for k, v := range cfg.Query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	a.logger.Debug("Calling HTTP endpoint", logger.String("method", method), logger.String("url", cfg.URL))
	started := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := map[string]interface{}{
		"url":         cfg.URL,
		"method":      method,
		"status_code": resp.StatusCode,
		"success":     resp.StatusCode >= 200 && resp.StatusCode < 300,
		"duration_ms": time.Since(started).Milliseconds(),
		"headers":     flattenHeaders(resp.Header),
	}

	var decoded interface{}
	if len(respBody) > 0 && json.Unmarshal(respBody, &decoded) == nil {
		result["body"] = decoded
	} else {
		result["body"] = string(respBody)
	}

	if !statusAccepted(resp.StatusCode, cfg.ExpectStatus) {
		return result, fmt.Errorf("http request returned status %d", resp.StatusCode)
	}
	return result, nil
}

func statusAccepted(code int, expected []int) bool {
	if len(expected) == 0 {
		return code < 400
	}
	for _, c := range expected {
		if c == code {
			return true
		}
	}
	return false
}

func flattenHeaders(h http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
