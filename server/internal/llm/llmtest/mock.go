// Package llmtest 提供测试用的 LLM 客户端。
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"crisis-drill/server/internal/llm"
)

// MockClient 按 schema 名返回预置响应，并发安全。
// 未设置响应的 schema 返回 llm.ErrProviderUnavailable。
type MockClient struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     map[string]int
	lastMsgs  map[string][]llm.Message

	// Func 非空时优先于预置响应。
	Func func(ctx context.Context, messages []llm.Message, schema *llm.JSONSchema) (string, error)
}

// NewMockClient 创建 Mock LLM 客户端
func NewMockClient() *MockClient {
	return &MockClient{
		responses: make(map[string]string),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
		lastMsgs:  make(map[string][]llm.Message),
	}
}

// SetResponse 设置 schema 对应的响应；v 为 string 时原样返回，否则序列化为 JSON。
func (m *MockClient) SetResponse(schemaName string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := v.(string); ok {
		m.responses[schemaName] = s
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("llmtest: marshal response: %v", err))
	}
	m.responses[schemaName] = string(data)
}

// SetError 令 schema 对应的调用返回 err。
func (m *MockClient) SetError(schemaName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[schemaName] = err
}

// Calls 返回 schema 的调用次数。
func (m *MockClient) Calls(schemaName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[schemaName]
}

// LastMessages 返回 schema 最近一次调用的消息。
func (m *MockClient) LastMessages(schemaName string) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMsgs[schemaName]
}

// Complete 实现 llm.Client。
func (m *MockClient) Complete(ctx context.Context, messages []llm.Message, schema *llm.JSONSchema) (string, error) {
	name := ""
	if schema != nil {
		name = schema.Name
	}

	m.mu.Lock()
	m.calls[name]++
	m.lastMsgs[name] = append([]llm.Message(nil), messages...)
	fn := m.Func
	resp, hasResp := m.responses[name]
	err := m.errs[name]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, messages, schema)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", llm.ErrProviderTimeout, err)
	}
	if err != nil {
		return "", err
	}
	if !hasResp {
		return "", fmt.Errorf("%w: no canned response for %q", llm.ErrProviderUnavailable, name)
	}
	return resp, nil
}
