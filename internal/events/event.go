package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Type 是推送给调用方的消息类型。
type Type string

const (
	TypeProgressStarted  Type = "progress_started"
	TypeProgressFinished Type = "progress_finished"
	TypeResponse         Type = "response"
	TypeError            Type = "error"
)

// Progress 描述一跳的处理进度。
type Progress struct {
	Wallet           string   `json:"wallet"`
	Input            string   `json:"input"`
	Original         string   `json:"original"`
	Hops             []string `json:"hops"`
	CurrentAgent     string   `json:"current_agent"`
	CurrentAgentName string   `json:"current_agent_name,omitempty"`
	NextAgent        string   `json:"next_agent,omitempty"`
	Decision         string   `json:"decision,omitempty"`
	TxHash           string   `json:"tx_hash,omitempty"`
	Block            uint64   `json:"block"`
}

// Event 是总线上传递的消息。Session 为小写的请求者地址。
type Event struct {
	Type       Type      `json:"type"`
	Session    string    `json:"session"`
	Progress   *Progress `json:"progress,omitempty"`
	Text       string    `json:"text,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Terminal 判断事件是否结束会话。
func (e Event) Terminal() bool {
	return e.Type == TypeResponse || e.Type == TypeError
}

// Frame 是写给 websocket 客户端的消息。
type Frame struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Frame 把事件转换为客户端消息格式。
func (e Event) Frame() Frame {
	if e.Progress != nil {
		return Frame{Type: e.Type, Data: e.Progress}
	}
	return Frame{Type: e.Type, Data: e.Text}
}

// Publisher 发布事件。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Handler 处理订阅到的事件。
type Handler func(ctx context.Context, ev Event)

// Bus 是进度事件总线。Subscribe 阻塞直到 ctx 结束或底层连接断开。
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// NewProgress 构造进度事件。
func NewProgress(t Type, session string, p Progress) Event {
	return Event{Type: t, Session: session, Progress: &p, OccurredAt: time.Now().UTC()}
}

// NewResponse 构造最终结果事件。
func NewResponse(session, text string) Event {
	return Event{Type: TypeResponse, Session: session, Text: text, OccurredAt: time.Now().UTC()}
}

// NewError 构造失败事件。
func NewError(session, reason string) Event {
	return Event{Type: TypeError, Session: session, Text: reason, OccurredAt: time.Now().UTC()}
}

func encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	if ev.Type == "" || ev.Session == "" {
		return Event{}, fmt.Errorf("事件缺少 type 或 session")
	}
	return ev, nil
}

// Fanout 把事件同时发给多个发布者，返回第一个错误。
type Fanout []Publisher

// Publish 实现 Publisher。
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
