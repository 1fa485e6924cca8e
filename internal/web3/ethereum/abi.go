package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/internal/web3"
)

const (
	requestEventName  = "IRISRequestAgentData"
	requestMethodName = "requestData"
)

// agentABI covers the part of the agent contract interface the router uses:
// the request event every agent emits and the requestData entry point.
const agentABI = `[
  {
    "type": "event",
    "name": "IRISRequestAgentData",
    "anonymous": false,
    "inputs": [
      {"name": "userAddress", "type": "address", "indexed": true},
      {"name": "data", "type": "string", "indexed": false},
      {"name": "max_hops", "type": "uint256", "indexed": false},
      {"name": "originalData", "type": "string", "indexed": false},
      {"name": "hops", "type": "address[]", "indexed": false}
    ]
  },
  {
    "type": "function",
    "name": "requestData",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "userAddress", "type": "address"},
      {"name": "data", "type": "string"},
      {"name": "max_hops", "type": "uint256"},
      {"name": "originalData", "type": "string"},
      {"name": "hops", "type": "address[]"}
    ],
    "outputs": []
  }
]`

var parsedAgentABI = mustParseABI(agentABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse agent ABI: %v", err))
	}
	return parsed
}

// RequestEventTopic is topic0 of IRISRequestAgentData logs.
func RequestEventTopic() common.Hash {
	return parsedAgentABI.Events[requestEventName].ID
}

// packRequestData encodes a requestData call.
func packRequestData(p web3.SubmitParams) ([]byte, error) {
	hops := p.Hops
	if hops == nil {
		hops = []common.Address{}
	}
	return parsedAgentABI.Pack(requestMethodName,
		p.Requester,
		p.Query,
		new(big.Int).SetUint64(p.MaxHops),
		p.OriginalQuery,
		hops,
	)
}

// decodeRequestEvent turns a raw log into a RequestEvent. The emitting
// contract becomes the acting agent.
func decodeRequestEvent(log coretypes.Log) (web3.RequestEvent, error) {
	fail := func(reason string, cause error) (web3.RequestEvent, error) {
		opts := []xerrors.Option{
			xerrors.WithMetadata("tx", log.TxHash.Hex()),
			xerrors.WithMetadata("log_index", fmt.Sprint(log.Index)),
		}
		if cause != nil {
			return web3.RequestEvent{}, xerrors.Wrap(xerrors.CodeDecodeFailure, cause, reason, opts...)
		}
		return web3.RequestEvent{}, xerrors.New(xerrors.CodeDecodeFailure, reason, opts...)
	}

	if len(log.Topics) < 2 {
		return fail("事件缺少 indexed 参数", nil)
	}
	if log.Topics[0] != RequestEventTopic() {
		return fail("事件签名不匹配", nil)
	}

	values, err := parsedAgentABI.Unpack(requestEventName, log.Data)
	if err != nil {
		return fail("解析事件数据失败", err)
	}
	if len(values) != 4 {
		return fail(fmt.Sprintf("事件字段数量异常: %d", len(values)), nil)
	}
	query, ok1 := values[0].(string)
	maxHops, ok2 := values[1].(*big.Int)
	original, ok3 := values[2].(string)
	hops, ok4 := values[3].([]common.Address)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fail("事件字段类型异常", nil)
	}
	if !maxHops.IsUint64() {
		return fail("max_hops 超出范围", nil)
	}

	return web3.RequestEvent{
		RoutingRequest: web3.RoutingRequest{
			Requester:     common.BytesToAddress(log.Topics[1].Bytes()),
			Query:         query,
			OriginalQuery: original,
			Hops:          hops,
			MaxHops:       maxHops.Uint64(),
		},
		Agent:       log.Address,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}, nil
}
