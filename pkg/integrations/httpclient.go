package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPConfig 外部系统 HTTP 客户端配置
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// StatusError is a non-2xx response from an integrated system.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error [%d]: %s", e.StatusCode, e.Body)
}

// NotFound reports whether the target object does not exist.
func (e *StatusError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// jsonClient JSON over HTTP，带 otel 传播
type jsonClient struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	logger     *logrus.Logger
}

func newJSONClient(cfg HTTPConfig, userAgent string, logger *logrus.Logger) *jsonClient {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &jsonClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// 创建 HTTP 请求
func (c *jsonClient) newRequest(ctx context.Context, method, endpoint string, body interface{}, idempotencyKey string) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// do 执行请求并解析 JSON 响应
func (c *jsonClient) do(ctx context.Context, method, endpoint string, body interface{}, idempotencyKey string, result interface{}) error {
	req, err := c.newRequest(ctx, method, endpoint, body, idempotencyKey)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("%s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
