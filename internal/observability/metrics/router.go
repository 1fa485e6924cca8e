package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 每一跳的处理结果，用作 iris_hops_total 的 outcome 标签。
const (
	OutcomeRelayed = "relayed"
	OutcomeFinal   = "final"
	OutcomeLookup  = "lookup"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeIgnored = "ignored"
)

var hopBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120}

type routerCollector struct {
	mu             sync.Mutex
	hops           map[string]uint64
	pollErrors     map[string]uint64
	hopLatency     *histogram
	cursorBlock    uint64
	headBlock      uint64
	activeSessions int
}

func newRouterCollector() *routerCollector {
	return &routerCollector{
		hops:       make(map[string]uint64),
		pollErrors: make(map[string]uint64),
		hopLatency: newHistogram(hopBuckets),
	}
}

var routerMetrics = newRouterCollector()

// ObserveHop 记录一跳的结果与耗时。
func ObserveHop(outcome string, duration time.Duration) {
	routerMetrics.mu.Lock()
	defer routerMetrics.mu.Unlock()
	routerMetrics.hops[outcome]++
	routerMetrics.hopLatency.observe(duration.Seconds())
}

// ObservePollError 按错误码记录中止的轮询周期。
func ObservePollError(code string) {
	routerMetrics.mu.Lock()
	defer routerMetrics.mu.Unlock()
	routerMetrics.pollErrors[code]++
}

// SetCursor 更新游标与链头高度。
func SetCursor(cursor, head uint64) {
	routerMetrics.mu.Lock()
	defer routerMetrics.mu.Unlock()
	routerMetrics.cursorBlock = cursor
	routerMetrics.headBlock = head
}

// SetActiveSessions 更新活跃会话数量。
func SetActiveSessions(n int) {
	routerMetrics.mu.Lock()
	defer routerMetrics.mu.Unlock()
	routerMetrics.activeSessions = n
}

func (c *routerCollector) render(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	writeHeader(b, "iris_hops_total", "Routed hops by outcome.", "counter")
	for _, outcome := range sortedKeys(c.hops) {
		writeSample(b, "iris_hops_total", labels("outcome", outcome), strconv.FormatUint(c.hops[outcome], 10))
	}

	writeHeader(b, "iris_poll_errors_total", "Poll cycles aborted by error code.", "counter")
	for _, code := range sortedKeys(c.pollErrors) {
		writeSample(b, "iris_poll_errors_total", labels("code", code), strconv.FormatUint(c.pollErrors[code], 10))
	}

	writeHeader(b, "iris_hop_duration_seconds", "Time spent handling one hop.", "histogram")
	c.hopLatency.write(b, "iris_hop_duration_seconds")

	writeHeader(b, "iris_cursor_block", "Last fully processed block.", "gauge")
	writeSample(b, "iris_cursor_block", "", strconv.FormatUint(c.cursorBlock, 10))
	writeHeader(b, "iris_head_block", "Chain head seen by the last poll.", "gauge")
	writeSample(b, "iris_head_block", "", strconv.FormatUint(c.headBlock, 10))
	writeHeader(b, "iris_active_sessions", "Sessions waiting for a result.", "gauge")
	writeSample(b, "iris_active_sessions", "", strconv.Itoa(c.activeSessions))
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
