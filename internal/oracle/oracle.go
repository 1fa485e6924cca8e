package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sony/gobreaker/v2"

	"IRIS-Chain/internal/directory"
	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/internal/llm"
	"IRIS-Chain/pkg/logger"
)

const defaultTimeout = 60 * time.Second

// Request 是一次决策的输入。Disallowed 为当前代理加上历史跳转，
// 出现在其中的候选不会被提供给模型。
type Request struct {
	Query         string
	OriginalQuery string
	Acting        directory.Agent
	Candidates    []directory.Agent
	Disallowed    []common.Address
}

// allowed 返回剔除了 Disallowed 与当前代理之后的候选。
func (r Request) allowed() []directory.Agent {
	if len(r.Disallowed) == 0 {
		return r.Candidates
	}
	blocked := make(map[common.Address]struct{}, len(r.Disallowed))
	for _, addr := range r.Disallowed {
		blocked[addr] = struct{}{}
	}
	out := make([]directory.Agent, 0, len(r.Candidates))
	for _, agent := range r.Candidates {
		if _, ok := blocked[agent.Address]; ok || agent.Address == r.Acting.Address {
			continue
		}
		out = append(out, agent)
	}
	return out
}

// BreakerSettings 控制包裹大模型调用的熔断器。
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Interval         time.Duration
}

// Oracle 借助大模型的函数调用能力选择下一跳或给出最终答案。
type Oracle struct {
	client  llm.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[*llm.Response]
	log     *slog.Logger
}

// Option 定义 Oracle 的可选配置。
type Option func(*Oracle)

// WithTimeout 设置单次决策的截止时间。
func WithTimeout(timeout time.Duration) Option {
	return func(o *Oracle) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) {
		if l != nil {
			o.log = l
		}
	}
}

// WithBreaker 在大模型调用外包裹熔断器。
func WithBreaker(settings BreakerSettings) Option {
	return func(o *Oracle) {
		threshold := settings.FailureThreshold
		if threshold == 0 {
			threshold = 5
		}
		openTimeout := settings.OpenTimeout
		if openTimeout <= 0 {
			openTimeout = 30 * time.Second
		}
		o.breaker = gobreaker.NewCircuitBreaker[*llm.Response](gobreaker.Settings{
			Name:        "oracle",
			MaxRequests: 1,
			Interval:    settings.Interval,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				o.log.Warn("熔断器状态变化", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
}

// New 创建 Oracle。
func New(client llm.Client, opts ...Option) *Oracle {
	o := &Oracle{
		client:  client,
		timeout: defaultTimeout,
		log:     logger.Named("oracle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Decide 为当前代理做出路由决策。
func (o *Oracle) Decide(ctx context.Context, req Request) (Decision, error) {
	if o == nil || o.client == nil {
		return Decision{}, xerrors.New(xerrors.CodeInitializationFailure, "决策模型未初始化")
	}

	candidates := req.allowed()
	tools, toolToAgent := buildTools(candidates)
	llmReq := llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt(req.Acting, len(tools) > 0)},
			{Role: llm.RoleUser, Content: userPrompt(req.Query, req.OriginalQuery)},
		},
		Tools: tools,
	}

	resp, err := o.generate(ctx, llmReq)
	if err != nil {
		return Decision{}, err
	}

	decision, err := interpret(resp, toolToAgent)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeOracleFailure, err, "决策结果无法解析",
			xerrors.WithMetadata("agent", req.Acting.ID))
	}

	o.log.Debug("路由决策完成",
		"agent", req.Acting.ID,
		"kind", decision.Kind.String(),
		"target", decision.TargetAgentID,
		"candidates", len(candidates),
	)
	return decision, nil
}

func (o *Oracle) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	call := func() (*llm.Response, error) {
		return o.client.Generate(callCtx, req)
	}

	var (
		resp *llm.Response
		err  error
	)
	if o.breaker != nil {
		resp, err = o.breaker.Execute(call)
	} else {
		resp, err = call()
	}
	switch {
	case err == nil && resp == nil:
		return nil, xerrors.New(xerrors.CodeOracleFailure, "决策模型返回空响应")
	case err == nil:
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, xerrors.Wrap(xerrors.CodeOracleFailure, err, "决策模型熔断中")
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, xerrors.Wrap(xerrors.CodeOracleFailure, err, "决策模型调用超时",
			xerrors.WithMetadata("timeout", o.timeout.String()))
	default:
		return nil, xerrors.Wrap(xerrors.CodeOracleFailure, err, "调用决策模型失败")
	}
}

// interpret 把模型输出转换为决策。只看第一个工具调用。
func interpret(resp *llm.Response, toolToAgent map[string]string) (Decision, error) {
	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		agentID, ok := toolToAgent[call.Name]
		if !ok {
			return Decision{}, fmt.Errorf("模型选择了未提供的工具 %q", call.Name)
		}
		input, err := parseToolInput(call.Arguments)
		if err != nil {
			return Decision{}, err
		}
		return Continue(agentID, input), nil
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return Decision{}, errors.New("模型既没有调用工具也没有返回文本")
	}
	return Final(text), nil
}

// parseToolInput 严格解析 {"input": "..."}。
func parseToolInput(raw string) (string, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	var args struct {
		Input *string `json:"input"`
	}
	if err := dec.Decode(&args); err != nil {
		return "", fmt.Errorf("工具参数不是合法的 JSON 对象: %w", err)
	}
	if dec.More() {
		return "", errors.New("工具参数包含多余内容")
	}
	if args.Input == nil {
		return "", errors.New("工具参数缺少 input 字段")
	}
	input := strings.TrimSpace(*args.Input)
	if input == "" {
		return "", errors.New("工具参数 input 为空")
	}
	return input, nil
}
