package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"IRIS-Chain/internal/directory"
	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/internal/events"
	"IRIS-Chain/internal/observability/metrics"
	"IRIS-Chain/internal/session"
	"IRIS-Chain/internal/web3"
	"IRIS-Chain/pkg/logger"
)

// Request 是客户端连接后发送的第一条消息。
type Request struct {
	Wallet string `json:"wallet"`
	Input  string `json:"input"`
	// Agent 为空时使用配置的入口代理。
	Agent string `json:"agent,omitempty"`
}

const (
	readRequestTimeout = 30 * time.Second
	writeFrameTimeout  = 5 * time.Second
)

var defaultOriginPatterns = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}

// handleWebSocket 处理一次完整的会话：读取请求、提交首跳交易、
// 推送进度，最后发送一条 response 或 error 消息。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.log.Warn("websocket 握手失败", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "")

	ctx := r.Context()
	readCtx, cancel := context.WithTimeout(ctx, readRequestTimeout)
	var req Request
	err = wsjson.Read(readCtx, ws, &req)
	cancel()
	if err != nil {
		s.log.Debug("读取会话请求失败", "remote", r.RemoteAddr, "error", err)
		return
	}
	ctx = ws.CloseRead(ctx)

	outcome := s.serve(ctx, ws, req)
	if ctx.Err() != nil {
		return
	}
	if err := s.writeFrame(ctx, ws, finalFrame(outcome)); err != nil {
		s.log.Debug("发送最终结果失败", "wallet", req.Wallet, "error", err)
		return
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{OriginPatterns: defaultOriginPatterns}
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedOrigins
	}
	return opts
}

// serve 执行会话并返回最终结果。
func (s *Server) serve(ctx context.Context, ws *websocket.Conn, req Request) session.Outcome {
	wallet, entry, err := s.validate(ctx, req)
	if err != nil {
		return session.Outcome{Err: reason(err)}
	}
	key := web3.SessionKey(wallet)
	log := logger.Session(s.log, key)

	if !s.deps.Sessions.TryRegister(key) {
		log.Info("钱包已有进行中的会话")
		return session.Outcome{Err: reason(xerrors.New(xerrors.CodeSessionConflict, "该钱包已有进行中的会话"))}
	}
	progress, detach := s.deps.Sessions.Attach(key)
	defer detach()
	metrics.SetActiveSessions(len(s.deps.Sessions.Active()))
	defer func() { metrics.SetActiveSessions(len(s.deps.Sessions.Active())) }()

	receipt, err := s.deps.Ledger.SubmitRequest(ctx, web3.SubmitParams{
		Target:        entry.Address,
		Requester:     wallet,
		Query:         req.Input,
		OriginalQuery: req.Input,
		MaxHops:       s.cfg.MaxHops,
		Hops:          []common.Address{},
	})
	if err != nil {
		log.Error("提交首跳交易失败", "agent", entry.ID, "error", err)
		return s.abandon(key, reason(err))
	}
	tx := ""
	if receipt != nil {
		tx = receipt.TxHash.Hex()
	}
	logger.Audit().Info("会话已提交",
		"session", key,
		"agent", entry.ID,
		"tx", tx,
		"max_hops", s.cfg.MaxHops)

	return s.await(ctx, ws, key, progress)
}

func (s *Server) validate(ctx context.Context, req Request) (common.Address, directory.Agent, error) {
	wallet := strings.TrimSpace(req.Wallet)
	if !common.IsHexAddress(wallet) {
		return common.Address{}, directory.Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "wallet 不是合法的地址")
	}
	if strings.TrimSpace(req.Input) == "" {
		return common.Address{}, directory.Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "input 不能为空")
	}
	agentID := strings.TrimSpace(req.Agent)
	if agentID == "" {
		agentID = s.cfg.EntryAgent
	}
	if agentID == "" {
		return common.Address{}, directory.Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "未指定入口代理")
	}

	agents, err := s.deps.Directory.List(ctx)
	if err != nil {
		return common.Address{}, directory.Agent{}, err
	}
	entry, ok := directory.Snapshot(agents).ByID(agentID)
	if !ok {
		return common.Address{}, directory.Agent{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的代理: %s", agentID))
	}
	return common.HexToAddress(wallet), entry, nil
}

// await 转发进度直到会话结束、超时或客户端断开。
func (s *Server) await(ctx context.Context, ws *websocket.Conn, key string, progress <-chan events.Event) session.Outcome {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
	defer cancel()

	type result struct {
		outcome session.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := s.deps.Sessions.Wait(waitCtx, key, s.cfg.WaitInterval)
		done <- result{outcome: outcome, err: err}
	}()

	forward := func(ev events.Event) {
		if err := s.writeFrame(ctx, ws, ev.Frame()); err != nil {
			s.log.Debug("推送进度失败", "session", key, "error", err)
		}
	}

	for {
		select {
		case ev, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			forward(ev)
		case res := <-done:
			for drained := false; !drained && progress != nil; {
				select {
				case ev, ok := <-progress:
					if !ok {
						drained = true
						continue
					}
					forward(ev)
				default:
					drained = true
				}
			}
			if res.err == nil {
				return res.outcome
			}
			if ctx.Err() != nil {
				return s.abandon(key, "client disconnected")
			}
			if errors.Is(res.err, context.DeadlineExceeded) {
				s.log.Warn("会话等待超时", "session", key, "timeout", s.cfg.SessionTimeout.String())
				return s.abandon(key, reason(xerrors.New(xerrors.CodeSessionTimeout, "等待路由结果超时")))
			}
			return s.abandon(key, reason(res.err))
		}
	}
}

// abandon 以失败结束会话。会话已被路由器结束时返回路由器的结果。
func (s *Server) abandon(key, why string) session.Outcome {
	if s.deps.Sessions.Complete(key, session.Outcome{Err: why}) {
		s.deps.Sessions.Take(key)
		return session.Outcome{Err: why}
	}
	if outcome, ok := s.deps.Sessions.Take(key); ok {
		return outcome
	}
	return session.Outcome{Err: why}
}

func (s *Server) writeFrame(ctx context.Context, ws *websocket.Conn, frame events.Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeFrameTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, ws, frame)
}

func finalFrame(outcome session.Outcome) events.Frame {
	if outcome.Failed() {
		return events.Frame{Type: events.TypeError, Data: outcome.Err}
	}
	return events.Frame{Type: events.TypeResponse, Data: outcome.Result}
}

func reason(err error) string {
	if e, ok := xerrors.From(err); ok {
		return fmt.Sprintf("%s: %s", e.Code(), e.Message())
	}
	return err.Error()
}
