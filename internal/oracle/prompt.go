package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"IRIS-Chain/internal/directory"
	"IRIS-Chain/internal/llm"
)

const maxToolNameLen = 64

var inputSchema = json.RawMessage(`{"type":"object","properties":{"input":{"type":"string","description":"The instruction to send to this agent."}},"required":["input"]}`)

// buildTools 为每个候选代理生成一个函数工具，并返回工具名到代理 ID 的映射。
func buildTools(candidates []directory.Agent) ([]llm.Tool, map[string]string) {
	tools := make([]llm.Tool, 0, len(candidates))
	names := make(map[string]string, len(candidates))
	for _, agent := range candidates {
		name := toolName(agent.ID)
		for i := 2; ; i++ {
			if _, taken := names[name]; !taken {
				break
			}
			suffix := fmt.Sprintf("_%d", i)
			name = truncate(toolName(agent.ID), maxToolNameLen-len(suffix)) + suffix
		}
		names[name] = agent.ID
		tools = append(tools, llm.Tool{
			Name:        name,
			Description: agent.Description,
			Parameters:  inputSchema,
		})
	}
	return tools, names
}

// toolName 把代理 ID 转换为只包含 [A-Za-z0-9_-] 的函数名。
func toolName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "agent"
	}
	return truncate(name, maxToolNameLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func systemPrompt(acting directory.Agent, hasCandidates bool) string {
	var b strings.Builder
	b.WriteString("You are a routing system for a multi-agent blockchain service network. ")
	b.WriteString("You act as the agent described below. If your skills are enough, answer the query directly in plain text. ")
	if hasCandidates {
		b.WriteString("Otherwise call exactly one of the available tools to hand the query to the agent best suited for it, ")
		b.WriteString("passing a self-contained instruction as \"input\". ")
	} else {
		b.WriteString("No other agents are available, so you must answer directly. ")
	}
	b.WriteString("\n\nYour skills include: ")
	b.WriteString(strings.TrimSpace(acting.Description))
	return b.String()
}

func userPrompt(query, original string) string {
	msg := "Query: " + strings.TrimSpace(query)
	if o := strings.TrimSpace(original); o != "" && o != strings.TrimSpace(query) {
		msg += "\nOriginal request: " + o
	}
	return msg
}
