package oracle

import "fmt"

// Kind 区分路由决策的两种结果。
type Kind int

const (
	// KindContinue 表示把请求转交给另一个代理。
	KindContinue Kind = iota + 1
	// KindFinal 表示当前代理直接给出最终答案。
	KindFinal
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindFinal:
		return "final"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decision 是一次路由决策。Continue 时 TargetAgentID 与 Payload 有效，
// Final 时只有 Text 有效。
type Decision struct {
	Kind          Kind
	TargetAgentID string
	Payload       string
	Text          string
}

// Continue 构造转交决策。
func Continue(targetAgentID, payload string) Decision {
	return Decision{Kind: KindContinue, TargetAgentID: targetAgentID, Payload: payload}
}

// Final 构造最终答案决策。
func Final(text string) Decision {
	return Decision{Kind: KindFinal, Text: text}
}
