// Package lookup implements the reserved deterministic place lookup. Agents
// flagged with the lookup capability answer through it instead of the
// routing oracle.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "IRIS-Chain/internal/errors"
)

// Searcher answers a free-text place query with a final text result.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

const defaultMapsBaseURL = "https://maps.googleapis.com"

// GoogleMapsConfig configures the Places Text Search client.
type GoogleMapsConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	Timeout    time.Duration
}

// GoogleMaps queries the Places Text Search endpoint.
type GoogleMaps struct {
	apiKey     string
	baseURL    string
	maxResults int
	httpClient *http.Client
}

// NewGoogleMaps builds a Places client.
func NewGoogleMaps(cfg GoogleMapsConfig) (*GoogleMaps, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未提供地点查询 API Key")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultMapsBaseURL
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GoogleMaps{
		apiKey:     key,
		baseURL:    base,
		maxResults: maxResults,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type place struct {
	Name             string  `json:"name"`
	FormattedAddress string  `json:"formatted_address"`
	Rating           float64 `json:"rating"`
	UserRatingsTotal int     `json:"user_ratings_total"`
	BusinessStatus   string  `json:"business_status"`
}

type textSearchResponse struct {
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error_message"`
	Results      []place `json:"results"`
}

// Search runs a text search and renders the top results.
func (g *GoogleMaps) Search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", xerrors.New(xerrors.CodeLookupFailure, "查询内容为空")
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("key", g.apiKey)
	endpoint := g.baseURL + "/maps/api/place/textsearch/json?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLookupFailure, err, "构建地点查询请求失败")
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLookupFailure, err, "请求地点查询服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", xerrors.New(xerrors.CodeLookupFailure,
			fmt.Sprintf("地点查询返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded textSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodeLookupFailure, err, "解析地点查询响应失败")
	}

	switch decoded.Status {
	case "OK":
	case "ZERO_RESULTS":
		return fmt.Sprintf("No places found for %q.", query), nil
	default:
		return "", xerrors.New(xerrors.CodeLookupFailure,
			fmt.Sprintf("地点查询失败: %s %s", decoded.Status, decoded.ErrorMessage))
	}
	return render(query, decoded.Results, g.maxResults), nil
}

func render(query string, results []place, limit int) string {
	if len(results) > limit {
		results = results[:limit]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Top places for %q:\n", query)
	for i, p := range results {
		fmt.Fprintf(&b, "%d. %s", i+1, p.Name)
		if p.FormattedAddress != "" {
			fmt.Fprintf(&b, ", %s", p.FormattedAddress)
		}
		if p.Rating > 0 {
			fmt.Fprintf(&b, " (rating %.1f from %d reviews)", p.Rating, p.UserRatingsTotal)
		}
		if p.BusinessStatus != "" && p.BusinessStatus != "OPERATIONAL" {
			fmt.Fprintf(&b, " [%s]", strings.ToLower(strings.ReplaceAll(p.BusinessStatus, "_", " ")))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
