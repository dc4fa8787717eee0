package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"subscription-scheduler/internal/config"
	"subscription-scheduler/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	updatePath = "/backend/api/subscription/update/"
	runPath    = "/backend/api/subscription/run/"
)

// SubscriptionHandler 订阅执行/更新处理方
type SubscriptionHandler interface {
	UpdateSubscription(ctx context.Context, req models.UpdateRequest) (models.UpdateResult, error)
	Run(ctx context.Context, subscriptionID int64, scope json.RawMessage, actions map[string]string) (models.RunResult, error)
}

// APIError 后台接口返回失败
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("subscription api error: status=%d code=%d message=%s", e.StatusCode, e.Code, e.Message)
}

// Retryable 5xx 可重试
func (e *APIError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// apiResponse 节点管理后台统一响应格式
type apiResponse struct {
	Result  bool            `json:"result"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// HTTPHandler 通过节点管理后台接口处理订阅
type HTTPHandler struct {
	client     *http.Client
	baseURL    string
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPHandler 创建订阅处理客户端
func NewHTTPHandler(cfg *config.HandlerConfig) *HTTPHandler {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &HTTPHandler{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries: maxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// UpdateSubscription 更新订阅配置（run_immediately 时后台会触发一次执行）
func (h *HTTPHandler) UpdateSubscription(ctx context.Context, req models.UpdateRequest) (models.UpdateResult, error) {
	var result models.UpdateResult
	if err := h.post(ctx, updatePath, req, &result); err != nil {
		return models.UpdateResult{SubscriptionID: req.SubscriptionID}, err
	}
	if result.SubscriptionID == 0 {
		result.SubscriptionID = req.SubscriptionID
	}
	result.UpdateResult = true
	return result, nil
}

// Run 执行订阅，scope/actions 为空时使用订阅自身配置
func (h *HTTPHandler) Run(ctx context.Context, subscriptionID int64, scope json.RawMessage, actions map[string]string) (models.RunResult, error) {
	body := models.RunRequest{SubscriptionID: subscriptionID, Scope: scope, Actions: actions}
	var result models.RunResult
	if err := h.post(ctx, runPath, body, &result); err != nil {
		return models.RunResult{SubscriptionID: subscriptionID}, err
	}
	if result.SubscriptionID == 0 {
		result.SubscriptionID = subscriptionID
	}
	result.RunResult = true
	return result, nil
}

// post 发送请求，网络错误和 5xx 按配置次数重试
func (h *HTTPHandler) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("JSON序列化失败: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= h.maxRetries; attempt++ {
		lastErr = h.do(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && !apiErr.Retryable() {
			return lastErr
		}
		if attempt == h.maxRetries {
			break
		}

		logrus.WithFields(logrus.Fields{
			"method":  "post",
			"path":    path,
			"attempt": attempt,
		}).Warnf("订阅接口请求失败，准备重试: %v", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * h.retryDelay):
		}
	}
	return fmt.Errorf("请求 %s 失败，已重试 %d 次: %w", path, h.maxRetries, lastErr)
}

// do 发送一次请求并解析响应
func (h *HTTPHandler) do(ctx context.Context, path string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !envelope.Result {
		return &APIError{StatusCode: resp.StatusCode, Code: envelope.Code, Message: envelope.Message}
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("解析响应数据失败: %w", err)
	}
	return nil
}
