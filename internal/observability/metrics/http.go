package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type routeKey struct {
	handler string
	method  string
}

var httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type httpCollector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[routeKey]uint64
	latency  map[routeKey]*histogram
}

func newHTTPCollector() *httpCollector {
	return &httpCollector{
		requests: make(map[requestKey]uint64),
		errors:   make(map[routeKey]uint64),
		latency:  make(map[routeKey]*histogram),
	}
}

var httpMetrics = newHTTPCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpMetrics.observe(handler, method, status, duration)
}

func (c *httpCollector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	route := routeKey{handler: handler, method: method}
	if status >= 500 {
		c.errors[route]++
	}
	hist := c.latency[route]
	if hist == nil {
		hist = newHistogram(httpBuckets)
		c.latency[route] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *httpCollector) render(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqs = append(reqs, key)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler != reqs[j].handler {
			return reqs[i].handler < reqs[j].handler
		}
		if reqs[i].method != reqs[j].method {
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].code < reqs[j].code
	})

	writeHeader(b, "iris_http_requests_total", "Total number of HTTP requests processed.", "counter")
	for _, key := range reqs {
		writeSample(b, "iris_http_requests_total",
			labels("handler", key.handler, "method", key.method, "code", key.code),
			strconv.FormatUint(c.requests[key], 10))
	}

	writeHeader(b, "iris_http_request_errors_total", "Total number of HTTP requests that resulted in a server error.", "counter")
	for _, key := range sortedRoutes(c.errors) {
		writeSample(b, "iris_http_request_errors_total",
			labels("handler", key.handler, "method", key.method),
			strconv.FormatUint(c.errors[key], 10))
	}

	writeHeader(b, "iris_http_request_duration_seconds", "HTTP request duration in seconds.", "histogram")
	routes := make([]routeKey, 0, len(c.latency))
	for key := range c.latency {
		routes = append(routes, key)
	}
	sortRouteKeys(routes)
	for _, key := range routes {
		c.latency[key].write(b, "iris_http_request_duration_seconds", "handler", key.handler, "method", key.method)
	}
}

func sortedRoutes(m map[routeKey]uint64) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sortRouteKeys(keys)
	return keys
}

func sortRouteKeys(keys []routeKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})
}
