package directory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "IRIS-Chain/internal/errors"
)

type seedFile struct {
	Agents []seedAgent `yaml:"agents"`
}

type seedAgent struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Address     string         `yaml:"address"`
	Capability  string         `yaml:"capability"`
	Metadata    map[string]any `yaml:"metadata"`
}

// FileDirectory 从 YAML 文件读取代理列表，每次 List 都重新读取文件。
type FileDirectory struct {
	path string
}

// NewFileDirectory 创建文件目录，并立即校验一次文件内容。
func NewFileDirectory(path string) (*FileDirectory, error) {
	d := &FileDirectory{path: path}
	if _, err := d.List(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

// List 实现 Directory。
func (d *FileDirectory) List(context.Context) ([]Agent, error) {
	return LoadSeedFile(d.path)
}

// LoadSeedFile 解析代理种子文件。
func LoadSeedFile(path string) ([]Agent, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDirectoryFailure, err, "读取代理目录失败", xerrors.WithRetryable(true))
	}
	var seed seedFile
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDirectoryFailure, err, "解析代理目录失败")
	}

	agents := make([]Agent, 0, len(seed.Agents))
	for _, raw := range seed.Agents {
		addr := strings.TrimSpace(raw.Address)
		if !common.IsHexAddress(addr) {
			return nil, xerrors.New(xerrors.CodeDirectoryFailure, fmt.Sprintf("代理 %s 的地址无效: %q", raw.ID, raw.Address))
		}
		agents = append(agents, Agent{
			ID:          strings.TrimSpace(raw.ID),
			Name:        raw.Name,
			Description: strings.TrimSpace(raw.Description),
			Address:     common.HexToAddress(addr),
			Capability:  ParseCapability(raw.Capability),
			Metadata:    raw.Metadata,
		})
	}
	if err := Validate(agents); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDirectoryFailure, err, "代理目录校验失败")
	}
	return agents, nil
}

// Static 是固定列表的目录实现，便于测试与嵌入。
type Static []Agent

// List 实现 Directory。
func (s Static) List(context.Context) ([]Agent, error) {
	out := make([]Agent, len(s))
	copy(out, s)
	return out, nil
}
