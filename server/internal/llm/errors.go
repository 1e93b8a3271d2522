package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// 提供商调用失败的分类。调用方用 errors.Is 判断，不解析错误文本。
var (
	ErrProviderUnavailable = errors.New("llm: provider unavailable")
	ErrProviderTimeout     = errors.New("llm: provider timeout")
	ErrProviderRejected    = errors.New("llm: provider rejected request")
	ErrMalformedOutput     = errors.New("llm: malformed output")
)

// APIError 非 200 响应。
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Is 让 APIError 按状态码匹配分类哨兵：
// 400/404/413/422 视为请求被拒；408/504 视为超时；其余（鉴权、限流、5xx）视为不可用。
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrProviderRejected:
		switch e.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			return true
		}
	case ErrProviderTimeout:
		return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusGatewayTimeout
	case ErrProviderUnavailable:
		return !e.Is(ErrProviderRejected) && !e.Is(ErrProviderTimeout)
	}
	return false
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// DecodeJSON 解析模型输出的 JSON。容忍 ```json 代码块包裹；解析失败返回 ErrMalformedOutput。
func DecodeJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}
