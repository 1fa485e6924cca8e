package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "IRIS-Chain/internal/errors"
)

// Capability 标记代理的处理方式。
type Capability string

const (
	// CapabilityRouted 代理由决策模型选择下一跳。
	CapabilityRouted Capability = "routed"
	// CapabilityLookup 代理直接执行确定性的地点查询并返回最终答案。
	CapabilityLookup Capability = "lookup"
)

// Agent 是目录中的一个可路由代理，地址在目录内唯一。
type Agent struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Address     common.Address `json:"address"`
	Capability  Capability     `json:"capability"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsLookup 判断代理是否为保留的查询代理。
func (a Agent) IsLookup() bool {
	return a.Capability == CapabilityLookup
}

// DisplayName 返回用于展示的名称。
func (a Agent) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Directory 提供代理列表，路由器每一跳读取一次快照。
type Directory interface {
	List(ctx context.Context) ([]Agent, error)
}

// Snapshot 是一次 List 的结果。
type Snapshot []Agent

// ByAddress 按合约地址查找代理。
func (s Snapshot) ByAddress(addr common.Address) (Agent, bool) {
	for _, agent := range s {
		if agent.Address == addr {
			return agent, true
		}
	}
	return Agent{}, false
}

// ByID 按 ID 查找代理。
func (s Snapshot) ByID(id string) (Agent, bool) {
	for _, agent := range s {
		if agent.ID == id {
			return agent, true
		}
	}
	return Agent{}, false
}

// Candidates 返回既不是当前代理、也未出现在跳转历史中的代理。
func (s Snapshot) Candidates(acting common.Address, hops []common.Address) []Agent {
	excluded := make(map[common.Address]struct{}, len(hops)+1)
	excluded[acting] = struct{}{}
	for _, hop := range hops {
		excluded[hop] = struct{}{}
	}
	out := make([]Agent, 0, len(s))
	for _, agent := range s {
		if _, skip := excluded[agent.Address]; skip {
			continue
		}
		out = append(out, agent)
	}
	return out
}

// Validate 检查代理列表的 ID 与地址唯一性。
func Validate(agents []Agent) error {
	ids := make(map[string]struct{}, len(agents))
	addrs := make(map[common.Address]string, len(agents))
	for _, agent := range agents {
		if strings.TrimSpace(agent.ID) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
		}
		if _, dup := ids[agent.ID]; dup {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("代理 ID 重复: %s", agent.ID))
		}
		ids[agent.ID] = struct{}{}
		if agent.Address == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("代理 %s 缺少地址", agent.ID))
		}
		if other, dup := addrs[agent.Address]; dup {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("代理 %s 与 %s 地址重复", agent.ID, other))
		}
		addrs[agent.Address] = agent.ID
		switch agent.Capability {
		case CapabilityRouted, CapabilityLookup:
		default:
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("代理 %s 的 capability 无效: %s", agent.ID, agent.Capability))
		}
	}
	return nil
}

// ParseCapability 将空值视为 routed。
func ParseCapability(raw string) Capability {
	switch Capability(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return CapabilityRouted
	case CapabilityLookup:
		return CapabilityLookup
	case CapabilityRouted:
		return CapabilityRouted
	default:
		return Capability(raw)
	}
}
