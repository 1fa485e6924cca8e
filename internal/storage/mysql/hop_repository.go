package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "IRIS-Chain/internal/errors"
)

const memoryHopLimit = 1024

// HopRecord 是一跳处理结果的落库结构，LogID 唯一。
type HopRecord struct {
	ID           string   `json:"id"`
	LogID        string   `json:"log_id"`
	Session      string   `json:"session"`
	BlockNumber  uint64   `json:"block_number"`
	TxHash       string   `json:"tx_hash"`
	AgentID      string   `json:"agent_id"`
	AgentAddress string   `json:"agent_address"`
	Outcome      string   `json:"outcome"`
	NextAgentID  string   `json:"next_agent_id,omitempty"`
	RelayTx      string   `json:"relay_tx,omitempty"`
	Query        string   `json:"query"`
	Result       string   `json:"result,omitempty"`
	Hops         []string `json:"hops"`
	ErrorCode    string   `json:"error_code,omitempty"`
	Error        string   `json:"error,omitempty"`
	DurationMS   int64    `json:"duration_ms"`
	CreatedAt    int64    `json:"created_at"`
}

// HopQuery 描述跳转历史的查询条件，Session 为空时返回全部会话。
type HopQuery struct {
	Session string
	Limit   int
}

// HopRepository 抽象跳转历史的持久化接口。
type HopRepository interface {
	Save(ctx context.Context, record HopRecord) error
	List(ctx context.Context, query HopQuery) ([]HopRecord, error)
}

func prepareHop(record *HopRecord) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	record.Session = strings.ToLower(record.Session)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// MemoryHopRepository 使用本地 JSON Lines 文件保存跳转历史，方便单机开发。
type MemoryHopRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []HopRecord
	seen     map[string]struct{}
}

// NewMemoryHopRepository 创建一个文件备份的内存仓库。
func NewMemoryHopRepository(dataDir string) (*MemoryHopRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &MemoryHopRepository{
		dataFile: filepath.Join(dataDir, "hops.log"),
		seen:     make(map[string]struct{}),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录一跳，重复的 LogID 会被忽略。
func (m *MemoryHopRepository) Save(_ context.Context, record HopRecord) error {
	prepareHop(&record)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[record.LogID]; ok && record.LogID != "" {
		return nil
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化跳转记录失败")
	}
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开跳转日志失败")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入跳转日志失败")
	}

	m.remember(record)
	return nil
}

// List 返回最近的跳转记录，按时间倒序排列。
func (m *MemoryHopRepository) List(_ context.Context, query HopQuery) ([]HopRecord, error) {
	limit := normalizeLimit(query.Limit)
	session := strings.ToLower(strings.TrimSpace(query.Session))

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]HopRecord, 0, limit)
	for _, record := range m.records {
		if session != "" && record.Session != session {
			continue
		}
		results = append(results, record)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func (m *MemoryHopRepository) remember(record HopRecord) {
	m.records = append([]HopRecord{record}, m.records...)
	if record.LogID != "" {
		m.seen[record.LogID] = struct{}{}
	}
	if len(m.records) > memoryHopLimit {
		for _, dropped := range m.records[memoryHopLimit:] {
			delete(m.seen, dropped.LogID)
		}
		m.records = m.records[:memoryHopLimit]
	}
}

func (m *MemoryHopRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取跳转日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record HopRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		m.remember(record)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析跳转日志失败")
	}
	return nil
}

// SQLHopRepository 使用 MySQL 的 hops 表保存跳转历史。
type SQLHopRepository struct {
	db *sql.DB
}

// NewSQLHopRepository 基于已迁移的连接池创建仓库。
func NewSQLHopRepository(db *sql.DB) *SQLHopRepository {
	return &SQLHopRepository{db: db}
}

const insertHopSQL = `INSERT INTO hops
    (id, log_id, session, block_number, tx_hash, agent_id, agent_address, outcome, next_agent_id, relay_tx,
     query, result, hops, error_code, error_message, duration_ms, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectHopColumns = `SELECT id, log_id, session, block_number, tx_hash, agent_id, agent_address, outcome,
    next_agent_id, relay_tx, query, result, hops, error_code, error_message, duration_ms, created_at
    FROM hops`

// Save 写入一跳，重复的 LogID 视为已记录。
func (s *SQLHopRepository) Save(ctx context.Context, record HopRecord) error {
	prepareHop(&record)
	hops, err := json.Marshal(record.Hops)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化跳转路径失败")
	}
	_, err = s.db.ExecContext(ctx, insertHopSQL,
		record.ID,
		record.LogID,
		record.Session,
		record.BlockNumber,
		record.TxHash,
		record.AgentID,
		record.AgentAddress,
		record.Outcome,
		record.NextAgentID,
		record.RelayTx,
		record.Query,
		record.Result,
		string(hops),
		record.ErrorCode,
		record.Error,
		record.DurationMS,
		record.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入跳转记录失败",
			xerrors.WithMetadata("log", record.LogID))
	}
	return nil
}

// List 查询最近的跳转记录。
func (s *SQLHopRepository) List(ctx context.Context, query HopQuery) ([]HopRecord, error) {
	limit := normalizeLimit(query.Limit)
	session := strings.ToLower(strings.TrimSpace(query.Session))

	var (
		rows *sql.Rows
		err  error
	)
	if session != "" {
		rows, err = s.db.QueryContext(ctx, selectHopColumns+` WHERE session = ? ORDER BY created_at DESC, id DESC LIMIT ?`, session, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectHopColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询跳转记录失败")
	}
	defer rows.Close()

	var records []HopRecord
	for rows.Next() {
		var (
			record HopRecord
			result sql.NullString
			hops   sql.NullString
			errMsg sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.LogID, &record.Session, &record.BlockNumber, &record.TxHash,
			&record.AgentID, &record.AgentAddress, &record.Outcome, &record.NextAgentID, &record.RelayTx,
			&record.Query, &result, &hops, &record.ErrorCode, &errMsg, &record.DurationMS, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析跳转记录失败")
		}
		record.Result = result.String
		record.Error = errMsg.String
		if hops.Valid && hops.String != "" {
			if err := json.Unmarshal([]byte(hops.String), &record.Hops); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err,
					fmt.Sprintf("解析跳转路径失败: %s", record.ID))
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历跳转记录失败")
	}
	return records, nil
}

var (
	_ HopRepository = (*MemoryHopRepository)(nil)
	_ HopRepository = (*SQLHopRepository)(nil)
)
