package oracle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IRIS-Chain/internal/directory"
	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/internal/llm"
)

type scriptedLLM struct {
	mu       sync.Mutex
	resp     *llm.Response
	err      error
	wait     time.Duration
	calls    int
	requests []llm.Request
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, req)
	resp, err, wait := s.resp, s.err, s.wait
	s.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

func agents() (directory.Agent, []directory.Agent) {
	acting := directory.Agent{ID: "concierge", Description: "General travel concierge.", Address: common.HexToAddress("0x01")}
	candidates := []directory.Agent{
		{ID: "weather", Description: "Weather forecasts for any city.", Address: common.HexToAddress("0x02")},
		{ID: "flight.search", Description: "Finds flights.", Address: common.HexToAddress("0x03")},
	}
	return acting, candidates
}

func TestDecideToolCallContinues(t *testing.T) {
	acting, candidates := agents()
	client := &scriptedLLM{resp: &llm.Response{ToolCalls: []llm.ToolCall{
		{Name: "flight_search", Arguments: `{"input": "  flights LIS to NYC  "}`},
		{Name: "weather", Arguments: `{"input": "ignored"}`},
	}}}

	decision, err := New(client).Decide(context.Background(), Request{
		Query:         "book me to New York",
		OriginalQuery: "plan a trip to New York",
		Acting:        acting,
		Candidates:    candidates,
	})
	require.NoError(t, err)
	assert.Equal(t, Continue("flight.search", "flights LIS to NYC"), decision)

	require.Len(t, client.requests, 1)
	sent := client.requests[0]
	require.Len(t, sent.Tools, 2)
	assert.Equal(t, "weather", sent.Tools[0].Name)
	assert.Equal(t, "flight_search", sent.Tools[1].Name)
	assert.Equal(t, "Finds flights.", sent.Tools[1].Description)
	assert.Contains(t, string(sent.Tools[0].Parameters), `"required":["input"]`)

	require.Len(t, sent.Messages, 2)
	assert.Equal(t, llm.RoleSystem, sent.Messages[0].Role)
	assert.Contains(t, sent.Messages[0].Content, "Your skills include: General travel concierge.")
	assert.True(t, strings.HasPrefix(sent.Messages[1].Content, "Query: book me to New York"))
	assert.Contains(t, sent.Messages[1].Content, "Original request: plan a trip to New York")
}

func TestDecideTextIsFinal(t *testing.T) {
	acting, candidates := agents()
	client := &scriptedLLM{resp: &llm.Response{Content: " It will be sunny. "}}

	decision, err := New(client).Decide(context.Background(), Request{Query: "weather?", Acting: acting, Candidates: candidates})
	require.NoError(t, err)
	assert.Equal(t, KindFinal, decision.Kind)
	assert.Equal(t, "It will be sunny.", decision.Text)
}

func TestDecideWithoutCandidatesSendsNoTools(t *testing.T) {
	acting, _ := agents()
	client := &scriptedLLM{resp: &llm.Response{Content: "done"}}

	_, err := New(client).Decide(context.Background(), Request{Query: "q", Acting: acting})
	require.NoError(t, err)
	assert.Empty(t, client.requests[0].Tools)
	assert.Contains(t, client.requests[0].Messages[0].Content, "must answer directly")
}

func TestDecideMalformedResponsesAreOracleErrors(t *testing.T) {
	acting, candidates := agents()
	cases := map[string]*llm.Response{
		"not json":      {ToolCalls: []llm.ToolCall{{Name: "weather", Arguments: `input=rain`}}},
		"missing input": {ToolCalls: []llm.ToolCall{{Name: "weather", Arguments: `{"query":"rain"}`}}},
		"empty input":   {ToolCalls: []llm.ToolCall{{Name: "weather", Arguments: `{"input":"   "}`}}},
		"wrong type":    {ToolCalls: []llm.ToolCall{{Name: "weather", Arguments: `{"input":42}`}}},
		"trailing data": {ToolCalls: []llm.ToolCall{{Name: "weather", Arguments: `{"input":"a"} {"input":"b"}`}}},
		"unknown tool":  {ToolCalls: []llm.ToolCall{{Name: "concierge", Arguments: `{"input":"loop"}`}}},
		"empty":         {},
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(&scriptedLLM{resp: resp}).Decide(context.Background(), Request{
				Query: "q", Acting: acting, Candidates: candidates,
			})
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeOracleFailure, xerrors.CodeOf(err))
			assert.False(t, xerrors.RetryableError(err))
		})
	}
}

func TestDecideTimeout(t *testing.T) {
	acting, candidates := agents()
	client := &scriptedLLM{resp: &llm.Response{Content: "late"}, wait: time.Second}

	start := time.Now()
	_, err := New(client, WithTimeout(20*time.Millisecond)).Decide(context.Background(), Request{
		Query: "q", Acting: acting, Candidates: candidates,
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeOracleFailure, xerrors.CodeOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDecideBreakerOpensAfterFailures(t *testing.T) {
	acting, candidates := agents()
	client := &scriptedLLM{err: errors.New("upstream 500")}
	o := New(client, WithBreaker(BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Minute}))
	req := Request{Query: "q", Acting: acting, Candidates: candidates}

	for i := 0; i < 2; i++ {
		_, err := o.Decide(context.Background(), req)
		require.Error(t, err)
	}
	_, err := o.Decide(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeOracleFailure, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "熔断")
	assert.Equal(t, 2, client.calls, "open breaker must not reach the model")
}

func TestToolNameCollisions(t *testing.T) {
	tools, names := buildTools([]directory.Agent{
		{ID: "a.b"}, {ID: "a_b"}, {ID: "a b"},
	})
	require.Len(t, tools, 3)
	assert.Equal(t, "a_b", tools[0].Name)
	assert.Equal(t, "a_b_2", tools[1].Name)
	assert.Equal(t, "a_b_3", tools[2].Name)
	assert.Equal(t, "a b", names["a_b_3"])
}

func TestDecideDropsDisallowedCandidates(t *testing.T) {
	acting, candidates := agents()
	client := &scriptedLLM{resp: &llm.Response{ToolCalls: []llm.ToolCall{
		{Name: "weather", Arguments: `{"input":"rain?"}`},
	}}}

	_, err := New(client).Decide(context.Background(), Request{
		Query:      "q",
		Acting:     acting,
		Candidates: candidates,
		Disallowed: []common.Address{acting.Address, candidates[0].Address},
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeOracleFailure, xerrors.CodeOf(err))
	require.Len(t, client.requests[0].Tools, 1)
	assert.Equal(t, "flight_search", client.requests[0].Tools[0].Name)
}
