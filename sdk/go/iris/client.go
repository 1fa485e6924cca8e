package iris

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// It only applies to REST calls; Ask is bounded by its context.
const DefaultHTTPTimeout = 15 * time.Second

// Client talks to an irisd gateway.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Question is the first message of a session.
type Question struct {
	Wallet string `json:"wallet"`
	Input  string `json:"input"`
	Agent  string `json:"agent,omitempty"`
}

// Progress describes one hop as it is being handled.
type Progress struct {
	Wallet           string   `json:"wallet"`
	Input            string   `json:"input"`
	Original         string   `json:"original"`
	Hops             []string `json:"hops"`
	CurrentAgent     string   `json:"current_agent"`
	CurrentAgentName string   `json:"current_agent_name,omitempty"`
	NextAgent        string   `json:"next_agent,omitempty"`
	Decision         string   `json:"decision,omitempty"`
	TxHash           string   `json:"tx_hash,omitempty"`
	Block            uint64   `json:"block"`
}

// ProgressEvent pairs a progress payload with its frame type.
type ProgressEvent struct {
	Type     string
	Progress Progress
}

// Started reports whether the event marks the start of a hop.
func (e ProgressEvent) Started() bool { return e.Type == "progress_started" }

// Agent is a directory entry.
type Agent struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Address     string         `json:"address"`
	Capability  string         `json:"capability"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Hop is a recorded hop outcome.
type Hop struct {
	ID          string   `json:"id"`
	LogID       string   `json:"log_id"`
	Session     string   `json:"session"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
	AgentID     string   `json:"agent_id"`
	Outcome     string   `json:"outcome"`
	NextAgentID string   `json:"next_agent_id,omitempty"`
	RelayTx     string   `json:"relay_tx,omitempty"`
	Query       string   `json:"query"`
	Result      string   `json:"result,omitempty"`
	Hops        []string `json:"hops"`
	ErrorCode   string   `json:"error_code,omitempty"`
	Error       string   `json:"error,omitempty"`
	DurationMS  int64    `json:"duration_ms"`
	CreatedAt   int64    `json:"created_at"`
}

// SessionError is returned by Ask when the session ends with an error frame.
type SessionError struct {
	Reason string
}

func (e *SessionError) Error() string {
	return "iris session failed: " + e.Reason
}

// APIError represents a non-2xx REST response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("iris api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("iris api error (%d): %s", e.StatusCode, e.Message)
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewClient instantiates a client for the gateway at rawURL (http or https).
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Ask opens a session, calls onProgress for every hop update and returns the
// final answer. A failed session is reported as *SessionError.
func (c *Client) Ask(ctx context.Context, q Question, onProgress func(ProgressEvent)) (string, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{HTTPClient: c.streamingClient()})
	if err != nil {
		return "", fmt.Errorf("connect gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, q); err != nil {
		return "", fmt.Errorf("send question: %w", err)
	}

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return "", fmt.Errorf("read frame: %w", err)
		}
		switch f.Type {
		case "response", "error":
			var text string
			if err := json.Unmarshal(f.Data, &text); err != nil {
				return "", fmt.Errorf("decode %s frame: %w", f.Type, err)
			}
			if f.Type == "error" {
				return "", &SessionError{Reason: text}
			}
			return text, nil
		case "progress_started", "progress_finished":
			if onProgress == nil {
				continue
			}
			var p Progress
			if err := json.Unmarshal(f.Data, &p); err != nil {
				return "", fmt.Errorf("decode progress: %w", err)
			}
			onProgress(ProgressEvent{Type: f.Type, Progress: p})
		}
	}
}

// Agents lists the routing directory.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.get(ctx, "/api/v1/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Hops returns recorded hops, newest first. An empty requester lists all sessions.
func (c *Client) Hops(ctx context.Context, requester string, limit int) ([]Hop, error) {
	query := url.Values{}
	if requester != "" {
		query.Set("requester", requester)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Hops []Hop `json:"hops"`
	}
	if err := c.get(ctx, "/api/v1/hops", query, &out); err != nil {
		return nil, err
	}
	return out.Hops, nil
}

func (c *Client) wsURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "/ws")
	return u.String()
}

// streamingClient drops the REST timeout, which would otherwise cut long sessions.
func (c *Client) streamingClient() *http.Client {
	clone := *c.httpClient
	clone.Timeout = 0
	return &clone
}

func (c *Client) get(ctx context.Context, p string, query url.Values, out any) error {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if len(body) > 0 && json.Unmarshal(body, apiErr) != nil {
			apiErr.Message = string(body)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
