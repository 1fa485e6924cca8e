package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"IRIS-Chain/internal/directory"
	xerrors "IRIS-Chain/internal/errors"
)

// AgentDirectory 从 agents 表读取代理目录。
type AgentDirectory struct {
	db *sql.DB
}

// NewAgentDirectory 基于已迁移的连接池创建目录。
func NewAgentDirectory(db *sql.DB) *AgentDirectory {
	return &AgentDirectory{db: db}
}

const selectAgentsSQL = `SELECT id, name, description, address, capability, metadata FROM agents ORDER BY id`

const upsertAgentSQL = `INSERT INTO agents (id, name, description, address, capability, metadata, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE name = VALUES(name), description = VALUES(description), address = VALUES(address),
    capability = VALUES(capability), metadata = VALUES(metadata), updated_at = VALUES(updated_at)`

// List 实现 directory.Directory。查询失败可重试，数据错误不可重试。
func (d *AgentDirectory) List(ctx context.Context) ([]directory.Agent, error) {
	rows, err := d.db.QueryContext(ctx, selectAgentsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDirectoryFailure, err, "查询代理目录失败",
			xerrors.WithRetryable(true))
	}
	defer rows.Close()

	var agents []directory.Agent
	for rows.Next() {
		var (
			agent      directory.Agent
			address    string
			capability string
			metadata   sql.NullString
		)
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Description, &address, &capability, &metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeDirectoryFailure, err, "解析代理记录失败",
				xerrors.WithRetryable(true))
		}
		if !common.IsHexAddress(address) {
			return nil, xerrors.New(xerrors.CodeDirectoryFailure,
				fmt.Sprintf("代理 %s 的地址非法: %q", agent.ID, address))
		}
		agent.Address = common.HexToAddress(address)
		agent.Capability = directory.ParseCapability(capability)
		if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
			if err := json.Unmarshal([]byte(metadata.String), &agent.Metadata); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeDirectoryFailure, err,
					fmt.Sprintf("代理 %s 的 metadata 不是合法 JSON", agent.ID))
			}
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDirectoryFailure, err, "遍历代理目录失败",
			xerrors.WithRetryable(true))
	}
	return agents, nil
}

// Upsert 在一个事务内写入代理列表，已存在的 ID 会被覆盖。
func (d *AgentDirectory) Upsert(ctx context.Context, agents []directory.Agent) error {
	if err := directory.Validate(agents); err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启目录事务失败")
	}
	now := time.Now().Unix()
	for _, agent := range agents {
		metadata := ""
		if len(agent.Metadata) > 0 {
			encoded, err := json.Marshal(agent.Metadata)
			if err != nil {
				_ = tx.Rollback()
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("序列化代理 %s 的 metadata 失败", agent.ID))
			}
			metadata = string(encoded)
		}
		if _, err := tx.ExecContext(ctx, upsertAgentSQL,
			agent.ID,
			agent.Name,
			agent.Description,
			agent.Address.Hex(),
			string(agent.Capability),
			metadata,
			now,
		); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入代理 %s 失败", agent.ID))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交目录事务失败")
	}
	return nil
}

var _ directory.Directory = (*AgentDirectory)(nil)
