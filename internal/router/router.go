package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"IRIS-Chain/internal/cursor"
	"IRIS-Chain/internal/directory"
	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/internal/events"
	"IRIS-Chain/internal/lookup"
	"IRIS-Chain/internal/observability/alerting"
	"IRIS-Chain/internal/observability/metrics"
	"IRIS-Chain/internal/oracle"
	"IRIS-Chain/internal/storage/mysql"
	"IRIS-Chain/internal/web3"
	"IRIS-Chain/pkg/logger"
)

// Decider 定义路由器所需的决策能力。
type Decider interface {
	Decide(ctx context.Context, req oracle.Request) (oracle.Decision, error)
}

// Router 轮询链上请求事件，为每一跳做出决策并转发或结束会话。
type Router struct {
	ledger    web3.Ledger
	directory directory.Directory
	oracle    Decider
	cursor    *cursor.Cursor
	publisher events.Publisher
	lookup    lookup.Searcher
	hops      mysql.HopRepository
	alerter   alerting.Dispatcher
	log       *slog.Logger

	pollInterval   time.Duration
	maxHops        uint64
	maxBlockRange  uint64
	maxLogAttempts int
	hopTimeout     time.Duration
	resume         bool

	// pollMu 保证同一时间只有一个轮询周期。
	pollMu sync.Mutex
	// handled 与 attempts 只覆盖游标之后尚未确认的区块范围。
	handled  map[string]struct{}
	attempts map[string]int
}

// Option 定义 Router 的可选配置。
type Option func(*Router)

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// WithPollInterval 设置轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithMaxHops 设置事件未携带 max_hops 时使用的跳数上限。
func WithMaxHops(n uint64) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxHops = n
		}
	}
}

// WithMaxBlockRange 限制单个周期处理的区块数。
func WithMaxBlockRange(n uint64) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxBlockRange = n
		}
	}
}

// WithMaxLogAttempts 设置一条日志连续可重试失败多少次后被跳过。
func WithMaxLogAttempts(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxLogAttempts = n
		}
	}
}

// WithHopTimeout 设置单跳处理的截止时间。
func WithHopTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.hopTimeout = d
		}
	}
}

// WithResume 启动时从已保存的游标继续。
func WithResume(resume bool) Option {
	return func(r *Router) {
		r.resume = resume
	}
}

// WithLookup 配置查询型代理使用的地点查询服务。
func WithLookup(s lookup.Searcher) Option {
	return func(r *Router) {
		r.lookup = s
	}
}

// WithHopRepository 配置跳转历史存储。
func WithHopRepository(repo mysql.HopRepository) Option {
	return func(r *Router) {
		r.hops = repo
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(r *Router) {
		r.alerter = d
	}
}

// New 构造 Router。
func New(ledger web3.Ledger, dir directory.Directory, decider Decider, cur *cursor.Cursor, publisher events.Publisher, opts ...Option) *Router {
	r := &Router{
		ledger:         ledger,
		directory:      dir,
		oracle:         decider,
		cursor:         cur,
		publisher:      publisher,
		log:            logger.Named("router"),
		pollInterval:   time.Second,
		maxHops:        5,
		maxBlockRange:  500,
		maxLogAttempts: 5,
		hopTimeout:     3 * time.Minute,
		handled:        make(map[string]struct{}),
		attempts:       make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.cursor == nil {
		r.cursor = cursor.New(nil)
	}
	return r
}

// Status 是健康检查返回的路由器状态。
type Status struct {
	Cursor uint64 `json:"cursor"`
	Head   uint64 `json:"head"`
	Lag    uint64 `json:"lag"`
}

// Status 读取当前链头并与游标比较。
func (r *Router) Status(ctx context.Context) (Status, error) {
	head, err := r.ledger.HeadBlock(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Cursor: r.cursor.Value(), Head: head}
	if head > st.Cursor {
		st.Lag = head - st.Cursor
	}
	return st, nil
}

// Start 把游标初始化到当前链头，启动前的历史事件不会被回放。
func (r *Router) Start(ctx context.Context) (uint64, error) {
	if r.ledger == nil || r.directory == nil || r.oracle == nil || r.publisher == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "路由器依赖未初始化")
	}
	head, err := r.ledger.HeadBlock(ctx)
	if err != nil {
		return 0, err
	}
	start, err := r.cursor.Init(ctx, head, r.resume)
	if err != nil {
		return start, err
	}
	metrics.SetCursor(start, head)
	r.log.Info("路由器已启动", "cursor", start, "head", head, "resume", r.resume)
	return start, nil
}

// Run 初始化游标后按固定间隔执行 PollOnce，直到 ctx 结束。
// 单跳错误不会使 Run 返回。
func (r *Router) Run(ctx context.Context) error {
	if _, err := r.Start(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("轮询周期中止，游标保持不变",
					"cursor", r.cursor.Value(),
					"code", string(xerrors.CodeOf(err)),
					"error", err)
			}
		}
	}
}

// PollOnce 处理 (cursor, min(head, cursor+maxBlockRange)] 内的全部事件。
// 只有整个范围都处理完成，游标才会推进到范围上界；可重试错误会中止
// 本周期并原样返回。
func (r *Router) PollOnce(ctx context.Context) error {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	from := r.cursor.Value()
	head, err := r.ledger.HeadBlock(ctx)
	if err != nil {
		return r.abort(err)
	}
	metrics.SetCursor(from, head)
	if head <= from {
		return nil
	}
	to := head
	if r.maxBlockRange > 0 && head-from > r.maxBlockRange {
		to = from + r.maxBlockRange
	}

	for block := from + 1; block <= to; block++ {
		logs, err := r.ledger.PollLogs(ctx, block, block)
		if err != nil {
			return r.abort(err)
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			if err := r.handleLog(ctx, lg); err != nil {
				return r.abort(err)
			}
		}
	}

	if _, err := r.cursor.Advance(ctx, to); err != nil {
		r.log.Error("保存区块游标失败", "cursor", to, "error", err)
	}
	r.handled = make(map[string]struct{})
	r.attempts = make(map[string]int)
	metrics.SetCursor(to, head)
	r.log.Debug("区块范围处理完成", "from", from+1, "to", to, "head", head)
	return nil
}

func (r *Router) abort(err error) error {
	metrics.ObservePollError(string(xerrors.CodeOf(err)))
	return err
}

func (r *Router) emitAlert(ctx context.Context, err error, stage string, fill func(*alerting.Event)) {
	if r.alerter == nil || err == nil {
		return
	}
	event := alerting.FromError(err, stage)
	if fill != nil {
		fill(&event)
	}
	if notifyErr := r.alerter.Notify(ctx, event); notifyErr != nil {
		r.log.Error("告警通知失败", "stage", stage, "error", notifyErr)
	}
}

func (r *Router) publish(ctx context.Context, ev events.Event) {
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.log.Error("发布会话事件失败",
			"session", ev.Session,
			"type", string(ev.Type),
			"error", err)
	}
}

func (r *Router) record(ctx context.Context, rec mysql.HopRecord) {
	if r.hops == nil {
		return
	}
	if err := r.hops.Save(ctx, rec); err != nil {
		r.log.Warn("写入跳转历史失败", "log", rec.LogID, "error", err)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
