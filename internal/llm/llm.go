package llm

import (
	"context"
	"encoding/json"
)

// Role 标识对话消息的角色。
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message 是一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tool 描述一个可被模型调用的函数，Parameters 为 JSON Schema。
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall 是模型选择调用的函数，Arguments 保留原始 JSON 文本。
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request 描述发送给大模型的一次决策请求。
type Request struct {
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
}

// Response 是大模型的输出：要么是自由文本，要么是若干函数调用。
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
