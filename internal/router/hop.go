package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"IRIS-Chain/internal/directory"
	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/internal/events"
	"IRIS-Chain/internal/observability/alerting"
	"IRIS-Chain/internal/observability/metrics"
	"IRIS-Chain/internal/oracle"
	"IRIS-Chain/internal/storage/mysql"
	"IRIS-Chain/internal/web3"
	"IRIS-Chain/pkg/logger"
)

// errForeignEmitter 表示事件来自目录之外的合约。
var errForeignEmitter = errors.New("event emitted by an unregistered contract")

// hop 是处理中的一跳。
type hop struct {
	event    web3.RequestEvent
	acting   directory.Agent
	maxHops  uint64
	started  time.Time
	progress events.Progress
}

func (h *hop) session() string { return h.event.SessionKey() }

func (h *hop) baseRecord(outcome string) mysql.HopRecord {
	return mysql.HopRecord{
		LogID:        h.event.ID(),
		Session:      h.session(),
		BlockNumber:  h.event.BlockNumber,
		TxHash:       h.event.TxHash.Hex(),
		AgentID:      h.acting.ID,
		AgentAddress: h.event.Agent.Hex(),
		Outcome:      outcome,
		Query:        h.event.Query,
		Hops:         hexAddresses(h.event.Hops),
		DurationMS:   time.Since(h.started).Milliseconds(),
	}
}

// handleLog 处理一条日志。返回非空错误表示本周期需要中止。
func (r *Router) handleLog(ctx context.Context, lg coretypes.Log) error {
	id := web3.LogID(lg.TxHash, lg.Index)
	if _, done := r.handled[id]; done {
		return nil
	}

	ev, err := r.ledger.DecodeRequestEvent(lg)
	if err != nil {
		return r.retryOrSkip(ctx, id, nil, err)
	}

	h := &hop{event: ev, started: time.Now()}
	hopErr := r.processHop(ctx, h)
	switch {
	case hopErr == nil:
		r.handled[id] = struct{}{}
		return nil
	case isContextErr(hopErr) && ctx.Err() != nil:
		return hopErr
	case errors.Is(hopErr, errForeignEmitter):
		r.log.Warn("忽略未登记合约发出的事件",
			"log", id,
			"emitter", ev.Agent.Hex(),
			"requester", ev.Requester.Hex())
		metrics.ObserveHop(metrics.OutcomeIgnored, 0)
		r.handled[id] = struct{}{}
		return nil
	case xerrors.RetryableError(hopErr):
		return r.retryOrSkip(ctx, id, h, hopErr)
	default:
		r.failHop(ctx, h, hopErr, metrics.OutcomeFailed)
		r.handled[id] = struct{}{}
		return nil
	}
}

// retryOrSkip 统计可重试失败次数，超过上限后跳过该日志，避免游标被永久卡住。
func (r *Router) retryOrSkip(ctx context.Context, id string, h *hop, err error) error {
	if ctx.Err() != nil {
		return err
	}
	r.attempts[id]++
	attempts := r.attempts[id]
	if attempts < r.maxLogAttempts {
		r.log.Warn("日志处理失败，等待下个周期重试",
			"log", id,
			"attempt", attempts,
			"max_attempts", r.maxLogAttempts,
			"code", string(xerrors.CodeOf(err)),
			"error", err)
		return err
	}

	r.log.Error("日志多次处理失败，已跳过", "log", id, "attempts", attempts, "error", err)
	r.emitAlert(ctx, err, "skip", func(ev *alerting.Event) {
		ev.LogID = id
		ev.Attempts = attempts
		if h != nil {
			ev.Session = h.session()
			ev.Agent = h.acting.ID
		}
	})
	if h != nil {
		r.failHop(ctx, h, err, metrics.OutcomeSkipped)
	} else {
		metrics.ObserveHop(metrics.OutcomeSkipped, 0)
	}
	r.handled[id] = struct{}{}
	delete(r.attempts, id)
	return nil
}

// processHop 执行一跳：解析当前代理，决策，然后转发或结束会话。
func (r *Router) processHop(ctx context.Context, h *hop) error {
	hopCtx, cancel := context.WithTimeout(ctx, r.hopTimeout)
	defer cancel()

	agents, err := r.directory.List(hopCtx)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeDirectoryFailure, err, "读取代理目录失败", xerrors.WithRetryable(true))
		}
		return err
	}
	snapshot := directory.Snapshot(agents)

	acting, ok := snapshot.ByAddress(h.event.Agent)
	if !ok {
		return errForeignEmitter
	}
	h.acting = acting
	h.maxHops = h.event.MaxHops
	if h.maxHops == 0 {
		h.maxHops = r.maxHops
	}
	h.progress = events.Progress{
		Wallet:           h.event.Requester.Hex(),
		Input:            h.event.Query,
		Original:         h.event.OriginalQuery,
		Hops:             hexAddresses(h.event.Hops),
		CurrentAgent:     acting.ID,
		CurrentAgentName: acting.DisplayName(),
		TxHash:           h.event.TxHash.Hex(),
		Block:            h.event.BlockNumber,
	}
	r.publish(ctx, events.NewProgress(events.TypeProgressStarted, h.session(), h.progress))

	if acting.IsLookup() {
		return r.answerWithLookup(ctx, hopCtx, h)
	}

	candidates := snapshot.Candidates(h.event.Agent, h.event.Hops)
	if uint64(len(h.event.Hops))+1 > h.maxHops {
		r.log.Info("已达到跳数上限，只允许给出最终答案",
			"session", h.session(),
			"hops", len(h.event.Hops),
			"max_hops", h.maxHops,
			"code", string(xerrors.CodeHopLimitExceeded))
		candidates = nil
	}

	decision, err := r.oracle.Decide(hopCtx, oracle.Request{
		Query:         h.event.Query,
		OriginalQuery: h.event.OriginalQuery,
		Acting:        acting,
		Candidates:    candidates,
		Disallowed:    h.event.Extend(h.event.Agent),
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeOracleFailure, err, "路由决策失败")
		}
		return err
	}

	switch decision.Kind {
	case oracle.KindFinal:
		r.finish(ctx, h, decision.Text, metrics.OutcomeFinal)
		return nil
	case oracle.KindContinue:
		return r.relay(ctx, hopCtx, h, directory.Snapshot(candidates), decision)
	default:
		return xerrors.New(xerrors.CodeOracleFailure, fmt.Sprintf("未知的决策类型: %s", decision.Kind))
	}
}

func (r *Router) answerWithLookup(ctx, hopCtx context.Context, h *hop) error {
	if r.lookup == nil {
		return xerrors.New(xerrors.CodeLookupFailure, "未配置地点查询服务",
			xerrors.WithMetadata("agent", h.acting.ID))
	}
	text, err := r.lookup.Search(hopCtx, h.event.Query)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(xerrors.CodeLookupFailure, err, "地点查询失败")
		}
		return err
	}
	r.finish(ctx, h, text, metrics.OutcomeLookup)
	return nil
}

// relay 把请求转发给决策选中的代理，新的跳转历史为 hops ++ [acting]。
func (r *Router) relay(ctx, hopCtx context.Context, h *hop, candidates directory.Snapshot, decision oracle.Decision) error {
	target, ok := candidates.ByID(decision.TargetAgentID)
	if !ok {
		return xerrors.New(xerrors.CodeDirectoryFailure, "决策选择了不可用的代理",
			xerrors.WithMetadata("target", decision.TargetAgentID),
			xerrors.WithMetadata("agent", h.acting.ID))
	}

	receipt, err := r.ledger.SubmitRequest(hopCtx, web3.SubmitParams{
		Target:        target.Address,
		Requester:     h.event.Requester,
		Query:         decision.Payload,
		OriginalQuery: h.event.OriginalQuery,
		MaxHops:       h.maxHops,
		Hops:          h.event.Extend(h.event.Agent),
	})
	if err != nil {
		return err
	}

	relayTx := ""
	if receipt != nil {
		relayTx = receipt.TxHash.Hex()
	}
	finished := h.progress
	finished.NextAgent = target.ID
	finished.Decision = oracle.KindContinue.String()
	finished.TxHash = relayTx
	r.publish(ctx, events.NewProgress(events.TypeProgressFinished, h.session(), finished))

	rec := h.baseRecord(metrics.OutcomeRelayed)
	rec.NextAgentID = target.ID
	rec.RelayTx = relayTx
	rec.Result = decision.Payload
	r.record(ctx, rec)

	metrics.ObserveHop(metrics.OutcomeRelayed, time.Since(h.started))
	r.log.Info("请求已转发",
		"session", h.session(),
		"from", h.acting.ID,
		"to", target.ID,
		"hops", len(h.event.Hops)+1,
		"tx", relayTx)
	return nil
}

// finish 发布最终结果，会话由事件接收方结束。
func (r *Router) finish(ctx context.Context, h *hop, text, outcome string) {
	finished := h.progress
	finished.Decision = oracle.KindFinal.String()
	r.publish(ctx, events.NewProgress(events.TypeProgressFinished, h.session(), finished))
	r.publish(ctx, events.NewResponse(h.session(), text))

	rec := h.baseRecord(outcome)
	rec.Result = text
	r.record(ctx, rec)

	metrics.ObserveHop(outcome, time.Since(h.started))
	logger.Audit().Info("会话得到最终结果",
		"session", h.session(),
		"agent", h.acting.ID,
		"hops", len(h.event.Hops),
		"outcome", outcome,
		"log", h.event.ID())
}

// failHop 记录不可恢复的单跳失败，并以错误结束请求者的会话。
func (r *Router) failHop(ctx context.Context, h *hop, err error, outcome string) {
	code := xerrors.CodeOf(err)
	r.log.Error("单跳处理失败",
		"session", h.session(),
		"agent", h.acting.ID,
		"log", h.event.ID(),
		"code", string(code),
		"error", err)
	if outcome == metrics.OutcomeFailed && xerrors.ShouldAlert(err) {
		r.emitAlert(ctx, err, "hop", func(ev *alerting.Event) {
			ev.Session = h.session()
			ev.Agent = h.acting.ID
			ev.LogID = h.event.ID()
		})
	}

	r.publish(ctx, events.NewError(h.session(), failureReason(err)))

	rec := h.baseRecord(outcome)
	rec.ErrorCode = string(code)
	rec.Error = err.Error()
	r.record(ctx, rec)

	metrics.ObserveHop(outcome, time.Since(h.started))
	logger.Audit().Warn("会话以失败结束",
		"session", h.session(),
		"agent", h.acting.ID,
		"code", string(code),
		"log", h.event.ID())
}

func failureReason(err error) string {
	if e, ok := xerrors.From(err); ok {
		return fmt.Sprintf("%s: %s", e.Code(), e.Message())
	}
	return err.Error()
}

func hexAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.Hex()
	}
	return out
}
