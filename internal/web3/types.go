package web3

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RoutingRequest is the unit of work flowing between agents. Hops is
// append-only: each relay extends it with the agent that relayed.
type RoutingRequest struct {
	Requester     common.Address
	Query         string
	OriginalQuery string
	Hops          []common.Address
	MaxHops       uint64
}

// SessionKey returns the lowercase hex requester address used to key
// sessions across the gateway and the router.
func (r RoutingRequest) SessionKey() string {
	return SessionKey(r.Requester)
}

// Visited reports whether addr already appears in the hop history.
func (r RoutingRequest) Visited(addr common.Address) bool {
	for _, hop := range r.Hops {
		if hop == addr {
			return true
		}
	}
	return false
}

// Extend returns a copy of the hop history with addr appended.
func (r RoutingRequest) Extend(addr common.Address) []common.Address {
	hops := make([]common.Address, 0, len(r.Hops)+1)
	hops = append(hops, r.Hops...)
	return append(hops, addr)
}

// RequestEvent is a decoded IRISRequestAgentData log. Agent is the contract
// that emitted the event, i.e. the agent that must act on the request.
type RequestEvent struct {
	RoutingRequest
	Agent       common.Address
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// ID identifies the log that produced the event.
func (e RequestEvent) ID() string {
	return LogID(e.TxHash, e.LogIndex)
}

// SubmitParams are the arguments of a requestData call on Target.
type SubmitParams struct {
	Target        common.Address
	Requester     common.Address
	Query         string
	OriginalQuery string
	MaxHops       uint64
	Hops          []common.Address
}

// Ledger is what the router and the gateway need from a chain.
type Ledger interface {
	HeadBlock(ctx context.Context) (uint64, error)
	PollLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
	DecodeRequestEvent(log types.Log) (RequestEvent, error)
	SubmitRequest(ctx context.Context, params SubmitParams) (*types.Receipt, error)
	Signer() common.Address
	Close()
}

// SessionKey normalises a requester address into a session key.
func SessionKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// LogID identifies a log by transaction hash and index.
func LogID(tx common.Hash, index uint) string {
	return fmt.Sprintf("%s:%d", tx.Hex(), index)
}
