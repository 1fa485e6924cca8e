package router

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IRIS-Chain/internal/cursor"
	"IRIS-Chain/internal/directory"
	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/internal/events"
	"IRIS-Chain/internal/observability/alerting"
	"IRIS-Chain/internal/oracle"
	"IRIS-Chain/internal/session"
	"IRIS-Chain/internal/storage/mysql"
	"IRIS-Chain/internal/web3"
)

var (
	requester = common.HexToAddress("0x0000000000000000000000000000000000000AAA")
	addrX     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	addrY     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	addrZ     = common.HexToAddress("0x0000000000000000000000000000000000000003")
	addrMaps  = common.HexToAddress("0x0000000000000000000000000000000000000004")
)

// fakeLedger 按区块保存日志，解码结果由 events 表给出。
type fakeLedger struct {
	mu         sync.Mutex
	head       uint64
	logs       map[uint64][]coretypes.Log
	events     map[common.Hash]web3.RequestEvent
	decodeErr  map[common.Hash]error
	submitErrs []error
	submitted  []web3.SubmitParams
	polled     [][2]uint64
	headErr    error
}

func newFakeLedger(head uint64) *fakeLedger {
	return &fakeLedger{
		head:      head,
		logs:      make(map[uint64][]coretypes.Log),
		events:    make(map[common.Hash]web3.RequestEvent),
		decodeErr: make(map[common.Hash]error),
	}
}

// emit 在 block 区块加入一条由 agent 发出的请求事件。
func (f *fakeLedger) emit(block uint64, agent common.Address, query string, maxHops uint64, hops ...common.Address) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := uint(len(f.logs[block]))
	tx := common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(idx)))
	f.logs[block] = append(f.logs[block], coretypes.Log{Address: agent, BlockNumber: block, TxHash: tx, Index: idx})
	f.events[tx] = web3.RequestEvent{
		RoutingRequest: web3.RoutingRequest{
			Requester:     requester,
			Query:         query,
			OriginalQuery: "original " + query,
			Hops:          hops,
			MaxHops:       maxHops,
		},
		Agent:       agent,
		BlockNumber: block,
		TxHash:      tx,
		LogIndex:    idx,
	}
	if block > f.head {
		f.head = block
	}
	return tx
}

func (f *fakeLedger) HeadBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeLedger) PollLogs(_ context.Context, from, to uint64) ([]coretypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, [2]uint64{from, to})
	var out []coretypes.Log
	for b := from; b <= to; b++ {
		out = append(out, f.logs[b]...)
	}
	return out, nil
}

func (f *fakeLedger) DecodeRequestEvent(lg coretypes.Log) (web3.RequestEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.decodeErr[lg.TxHash]; err != nil {
		return web3.RequestEvent{}, err
	}
	ev, ok := f.events[lg.TxHash]
	if !ok {
		return web3.RequestEvent{}, xerrors.New(xerrors.CodeDecodeFailure, "unknown log")
	}
	return ev, nil
}

func (f *fakeLedger) SubmitRequest(_ context.Context, p web3.SubmitParams) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.submitted = append(f.submitted, p)
	return &coretypes.Receipt{TxHash: common.BytesToHash([]byte{byte(len(f.submitted))}), Status: coretypes.ReceiptStatusSuccessful}, nil
}

func (f *fakeLedger) Signer() common.Address { return common.HexToAddress("0xfeed") }
func (f *fakeLedger) Close() {}

func (f *fakeLedger) submissions() []web3.SubmitParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]web3.SubmitParams(nil), f.submitted...)
}

// scriptedDecider 按当前代理 ID 返回预设决策，并检查候选集合不含已访问代理。
type scriptedDecider struct {
	t        *testing.T
	mu       sync.Mutex
	byAgent  map[string]func(oracle.Request) (oracle.Decision, error)
	requests []oracle.Request
}

func (s *scriptedDecider) Decide(_ context.Context, req oracle.Request) (oracle.Decision, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.byAgent[req.Acting.ID]
	s.mu.Unlock()

	visited := map[common.Address]bool{req.Acting.Address: true}
	for _, addr := range req.Disallowed {
		visited[addr] = true
	}
	for _, c := range req.Candidates {
		if visited[c.Address] {
			s.t.Errorf("candidate %s was already visited", c.ID)
		}
	}
	if fn == nil {
		return oracle.Decision{}, errors.New("no script for " + req.Acting.ID)
	}
	return fn(req)
}

func (s *scriptedDecider) calls() []oracle.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oracle.Request(nil), s.requests...)
}

type fakeSearcher struct {
	queries []string
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, q string) (string, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return "", f.err
	}
	return "Cafe Uno, Main St 1", nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, ev alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func testDirectory() directory.Static {
	return directory.Static{
		{ID: "x", Description: "Concierge", Address: addrX, Capability: directory.CapabilityRouted},
		{ID: "y", Description: "Answers everything", Address: addrY, Capability: directory.CapabilityRouted},
	}
}

type harness struct {
	ledger  *fakeLedger
	decider *scriptedDecider
	tracker *session.Tracker
	cursor  *cursor.Cursor
	alerts  *recordingAlerts
	hops    *mysql.MemoryHopRepository
	router  *Router
	key     string
}

func newHarness(t *testing.T, dir directory.Directory, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ledger:  newFakeLedger(10),
		decider: &scriptedDecider{t: t, byAgent: map[string]func(oracle.Request) (oracle.Decision, error){}},
		tracker: session.NewTracker(),
		cursor:  cursor.New(nil),
		alerts:  &recordingAlerts{},
		key:     web3.SessionKey(requester),
	}
	repo, err := mysql.NewMemoryHopRepository(t.TempDir())
	require.NoError(t, err)
	h.hops = repo

	base := []Option{
		WithMaxHops(5),
		WithMaxLogAttempts(3),
		WithHopRepository(repo),
		WithAlertDispatcher(h.alerts),
	}
	h.router = New(h.ledger, dir, h.decider, h.cursor, h.tracker, append(base, opts...)...)
	start, err := h.router.Start(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 10, start)
	h.tracker.Register(h.key)
	return h
}

func (h *harness) on(agentID string, fn func(oracle.Request) (oracle.Decision, error)) {
	h.decider.byAgent[agentID] = fn
}

func TestRelayThenFinalCompletesSession(t *testing.T) {
	h := newHarness(t, testDirectory())
	h.on("x", func(oracle.Request) (oracle.Decision, error) { return oracle.Continue("y", "what is six times seven"), nil })
	h.on("y", func(oracle.Request) (oracle.Decision, error) { return oracle.Final("42"), nil })

	progress, detach := h.tracker.Attach(h.key)
	defer detach()

	h.ledger.emit(11, addrX, "ultimate question", 0)
	require.NoError(t, h.router.PollOnce(context.Background()))

	subs := h.ledger.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, addrY, subs[0].Target)
	assert.Equal(t, []common.Address{addrX}, subs[0].Hops)
	assert.Equal(t, "what is six times seven", subs[0].Query)
	assert.Equal(t, "original ultimate question", subs[0].OriginalQuery)
	assert.EqualValues(t, 5, subs[0].MaxHops, "event max_hops 0 falls back to the configured cap")
	assert.True(t, h.tracker.IsActive(h.key))
	assert.EqualValues(t, 11, h.cursor.Value())

	// 链上执行 requestData 后，Y 发出下一跳事件。
	h.ledger.emit(12, addrY, subs[0].Query, subs[0].MaxHops, subs[0].Hops...)
	require.NoError(t, h.router.PollOnce(context.Background()))

	assert.False(t, h.tracker.IsActive(h.key))
	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.Equal(t, "42", outcome.Result)
	assert.EqualValues(t, 12, h.cursor.Value())

	var types []events.Type
	for len(progress) > 0 {
		types = append(types, (<-progress).Type)
	}
	assert.Equal(t, []events.Type{
		events.TypeProgressStarted, events.TypeProgressFinished,
		events.TypeProgressStarted, events.TypeProgressFinished,
	}, types)

	history, err := h.hops.List(context.Background(), mysql.HopQuery{Session: h.key})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "final", history[0].Outcome)
	assert.Equal(t, "42", history[0].Result)
	assert.Equal(t, "relayed", history[1].Outcome)
	assert.Equal(t, "y", history[1].NextAgentID)
}

func TestEmptyCandidatesStillAskOracle(t *testing.T) {
	h := newHarness(t, testDirectory())
	h.on("y", func(req oracle.Request) (oracle.Decision, error) {
		assert.Empty(t, req.Candidates)
		return oracle.Final("only answer"), nil
	})

	h.ledger.emit(11, addrY, "q", 10, addrX)
	require.NoError(t, h.router.PollOnce(context.Background()))

	require.Len(t, h.decider.calls(), 1)
	assert.ElementsMatch(t, []common.Address{addrX, addrY}, h.decider.calls()[0].Disallowed)
	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.Equal(t, "only answer", outcome.Result)
	assert.Empty(t, h.ledger.submissions())
}

func TestLookupAgentBypassesOracle(t *testing.T) {
	dir := append(testDirectory(), directory.Agent{
		ID: "google_maps", Description: "Places", Address: addrMaps, Capability: directory.CapabilityLookup,
	})
	searcher := &fakeSearcher{}
	h := newHarness(t, dir, WithLookup(searcher))

	h.ledger.emit(11, addrMaps, "coffee near Rossio", 0, addrX)
	require.NoError(t, h.router.PollOnce(context.Background()))

	assert.Empty(t, h.decider.calls())
	assert.Equal(t, []string{"coffee near Rossio"}, searcher.queries)
	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.Equal(t, "Cafe Uno, Main St 1", outcome.Result)
}

func TestLookupFailureFailsSession(t *testing.T) {
	dir := append(testDirectory(), directory.Agent{
		ID: "google_maps", Address: addrMaps, Capability: directory.CapabilityLookup,
	})
	searcher := &fakeSearcher{err: xerrors.New(xerrors.CodeLookupFailure, "quota exceeded")}
	h := newHarness(t, dir, WithLookup(searcher))

	h.ledger.emit(11, addrMaps, "coffee", 0)
	require.NoError(t, h.router.PollOnce(context.Background()))

	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.True(t, outcome.Failed())
	assert.Contains(t, outcome.Err, "LOOKUP_FAILURE")
	assert.EqualValues(t, 11, h.cursor.Value())
}

func TestDecodeFailureKeepsCursorThenSkipsPoisonLog(t *testing.T) {
	h := newHarness(t, testDirectory())
	h.on("x", func(oracle.Request) (oracle.Decision, error) { return oracle.Final("ok"), nil })

	tx := h.ledger.emit(11, addrX, "q", 0)
	h.ledger.decodeErr[tx] = xerrors.New(xerrors.CodeDecodeFailure, "bad abi payload")

	for attempt := 1; attempt < 3; attempt++ {
		err := h.router.PollOnce(context.Background())
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeDecodeFailure, xerrors.CodeOf(err))
		assert.EqualValues(t, 10, h.cursor.Value(), "cursor must not move on attempt %d", attempt)
	}

	require.NoError(t, h.router.PollOnce(context.Background()))
	assert.EqualValues(t, 11, h.cursor.Value())
	require.Len(t, h.alerts.events, 1)
	assert.Equal(t, "skip", h.alerts.events[0].Stage)
	assert.Equal(t, 3, h.alerts.events[0].Attempts)
}

func TestDecodeRecoversBeforeAttemptLimit(t *testing.T) {
	h := newHarness(t, testDirectory())
	h.on("x", func(oracle.Request) (oracle.Decision, error) { return oracle.Final("ok"), nil })

	tx := h.ledger.emit(11, addrX, "q", 0)
	h.ledger.decodeErr[tx] = xerrors.New(xerrors.CodeDecodeFailure, "node returned partial log")
	require.Error(t, h.router.PollOnce(context.Background()))
	assert.EqualValues(t, 10, h.cursor.Value())

	delete(h.ledger.decodeErr, tx)
	require.NoError(t, h.router.PollOnce(context.Background()))
	assert.EqualValues(t, 11, h.cursor.Value())
	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.Equal(t, "ok", outcome.Result)
}

func TestRetriedRangeDoesNotRelayTwice(t *testing.T) {
	dir := append(testDirectory(), directory.Agent{ID: "z", Address: addrZ, Capability: directory.CapabilityRouted})
	h := newHarness(t, dir)
	h.on("x", func(oracle.Request) (oracle.Decision, error) { return oracle.Continue("y", "first"), nil })
	h.on("z", func(oracle.Request) (oracle.Decision, error) { return oracle.Continue("y", "second"), nil })

	h.ledger.emit(11, addrX, "a", 0)
	h.ledger.emit(12, addrZ, "b", 0)
	h.ledger.submitErrs = []error{nil, xerrors.New(xerrors.CodeChainFailure, "nonce too low")}

	err := h.router.PollOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeChainFailure, xerrors.CodeOf(err))
	assert.EqualValues(t, 10, h.cursor.Value())
	require.Len(t, h.ledger.submissions(), 1)

	require.NoError(t, h.router.PollOnce(context.Background()))
	subs := h.ledger.submissions()
	require.Len(t, subs, 2, "the first log must not be relayed again")
	assert.Equal(t, "first", subs[0].Query)
	assert.Equal(t, "second", subs[1].Query)
	assert.EqualValues(t, 12, h.cursor.Value())
}

func TestHopCapAllowsRelayUpToMaxHops(t *testing.T) {
	h := newHarness(t, append(testDirectory(), directory.Agent{ID: "z", Address: addrZ, Capability: directory.CapabilityRouted}))
	h.on("x", func(oracle.Request) (oracle.Decision, error) { return oracle.Continue("y", "hop one"), nil })
	h.on("y", func(req oracle.Request) (oracle.Decision, error) {
		if len(req.Candidates) == 0 {
			return oracle.Final("capped"), nil
		}
		return oracle.Continue("z", "hop two"), nil
	})

	// max_hops=1：第一跳仍可转发，结果 hops=[X]。
	h.ledger.emit(11, addrX, "q", 1)
	require.NoError(t, h.router.PollOnce(context.Background()))
	subs := h.ledger.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, []common.Address{addrX}, subs[0].Hops)

	// max_hops=2, hops=[X]：转发后 hops=[X,Y]，仍在上限内。
	h.ledger.emit(12, addrY, "q", 2, addrX)
	require.NoError(t, h.router.PollOnce(context.Background()))
	subs = h.ledger.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, addrZ, subs[1].Target)
	assert.Equal(t, []common.Address{addrX, addrY}, subs[1].Hops)
	assert.True(t, h.tracker.IsActive(h.key))
}

func TestHopCapForcesFinal(t *testing.T) {
	addrW := common.HexToAddress("0x0000000000000000000000000000000000000005")
	dir := append(testDirectory(),
		directory.Agent{ID: "z", Address: addrZ, Capability: directory.CapabilityRouted},
		directory.Agent{ID: "w", Address: addrW, Capability: directory.CapabilityRouted},
	)
	h := newHarness(t, dir)
	h.on("y", func(req oracle.Request) (oracle.Decision, error) {
		if len(req.Candidates) == 0 {
			return oracle.Final("capped"), nil
		}
		return oracle.Continue("w", "more"), nil
	})

	h.ledger.emit(11, addrY, "q", 2, addrX, addrZ)
	require.NoError(t, h.router.PollOnce(context.Background()))

	require.Len(t, h.decider.calls(), 1)
	assert.Empty(t, h.decider.calls()[0].Candidates)
	assert.Empty(t, h.ledger.submissions())
	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.Equal(t, "capped", outcome.Result)
}

func TestOracleFailureFailsSessionAndContinues(t *testing.T) {
	h := newHarness(t, testDirectory())
	h.on("x", func(oracle.Request) (oracle.Decision, error) {
		return oracle.Decision{}, xerrors.New(xerrors.CodeOracleFailure, "model returned garbage")
	})

	h.ledger.emit(11, addrX, "q", 0)
	require.NoError(t, h.router.PollOnce(context.Background()))

	assert.EqualValues(t, 11, h.cursor.Value())
	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.True(t, outcome.Failed())
	assert.Contains(t, outcome.Err, "ORACLE_FAILURE")
	require.Len(t, h.alerts.events, 1)
	assert.Equal(t, xerrors.CodeOracleFailure, h.alerts.events[0].Code)
	assert.Equal(t, h.key, h.alerts.events[0].Session)
}

func TestContinueToVisitedAgentIsRejected(t *testing.T) {
	h := newHarness(t, testDirectory())
	h.on("y", func(oracle.Request) (oracle.Decision, error) { return oracle.Continue("x", "loop"), nil })

	h.ledger.emit(11, addrY, "q", 0, addrX)
	require.NoError(t, h.router.PollOnce(context.Background()))

	assert.Empty(t, h.ledger.submissions())
	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.Contains(t, outcome.Err, "DIRECTORY_FAILURE")
}

func TestUnregisteredEmitterIsIgnored(t *testing.T) {
	h := newHarness(t, testDirectory())
	h.on("x", func(oracle.Request) (oracle.Decision, error) { return oracle.Final("real answer"), nil })

	progress, detach := h.tracker.Attach(h.key)
	defer detach()

	stranger := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	h.ledger.emit(11, stranger, "q", 0)
	require.NoError(t, h.router.PollOnce(context.Background()))

	assert.Empty(t, h.decider.calls())
	assert.Empty(t, h.ledger.submissions())
	assert.Empty(t, h.alerts.events)
	assert.Empty(t, progress)
	assert.True(t, h.tracker.IsActive(h.key), "a foreign contract must not end the session")
	assert.EqualValues(t, 11, h.cursor.Value())

	h.ledger.emit(12, addrX, "q", 0)
	require.NoError(t, h.router.PollOnce(context.Background()))
	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.Equal(t, "real answer", outcome.Result)
}

func TestFinalCompletesSessionOnce(t *testing.T) {
	h := newHarness(t, testDirectory())
	h.on("x", func(oracle.Request) (oracle.Decision, error) { return oracle.Final("first"), nil })
	h.on("y", func(oracle.Request) (oracle.Decision, error) { return oracle.Final("second"), nil })

	h.ledger.emit(11, addrX, "q", 0)
	h.ledger.emit(11, addrY, "q", 0)
	require.NoError(t, h.router.PollOnce(context.Background()))

	outcome, ok := h.tracker.Take(h.key)
	require.True(t, ok)
	assert.Equal(t, "first", outcome.Result)
	_, ok = h.tracker.Take(h.key)
	assert.False(t, ok)
}

func TestBlockRangeIsBounded(t *testing.T) {
	h := newHarness(t, testDirectory(), WithMaxBlockRange(3))
	h.ledger.mu.Lock()
	h.ledger.head = 100
	h.ledger.mu.Unlock()

	require.NoError(t, h.router.PollOnce(context.Background()))
	assert.EqualValues(t, 13, h.cursor.Value())
	assert.Equal(t, [][2]uint64{{11, 11}, {12, 12}, {13, 13}}, h.ledger.polled)

	st, err := h.router.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Status{Cursor: 13, Head: 100, Lag: 87}, st)
}

func TestHeadErrorAbortsCycle(t *testing.T) {
	h := newHarness(t, testDirectory())
	h.ledger.headErr = xerrors.New(xerrors.CodeChainFailure, "rpc down")

	err := h.router.PollOnce(context.Background())
	require.Error(t, err)
	assert.True(t, xerrors.RetryableError(err))
	assert.EqualValues(t, 10, h.cursor.Value())
}

func TestStartResumesFromStoredCursor(t *testing.T) {
	store := cursor.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), 7))

	r := New(newFakeLedger(10), testDirectory(), &scriptedDecider{t: t}, cursor.New(store), session.NewTracker(), WithResume(true))
	start, err := r.Start(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, start)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := cursor.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), 10))

	ledger := newFakeLedger(10)
	ledger.emit(11, addrX, "q", 0)
	decider := &scriptedDecider{t: t, byAgent: map[string]func(oracle.Request) (oracle.Decision, error){
		"x": func(oracle.Request) (oracle.Decision, error) { return oracle.Final("done"), nil },
	}}
	tracker := session.NewTracker()
	key := web3.SessionKey(requester)
	tracker.Register(key)

	r := New(ledger, testDirectory(), decider, cursor.New(store), tracker,
		WithResume(true), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	outcome, err := tracker.Wait(waitCtx, key, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "done", outcome.Result)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}
