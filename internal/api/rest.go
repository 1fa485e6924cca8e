package api

import (
	"net/http"
	"strconv"
	"strings"

	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/internal/observability/metrics"
	"IRIS-Chain/internal/storage/mysql"
)

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Directory == nil {
		http.Error(w, "代理目录未初始化", http.StatusServiceUnavailable)
		return
	}
	agents, err := s.deps.Directory.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	active := s.deps.Sessions.Active()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": active, "count": len(active)})
}

// handleHops 返回跳转历史，requester 为空时返回全部会话。
func (s *Server) handleHops(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Hops == nil {
		http.Error(w, "跳转历史未启用", http.StatusServiceUnavailable)
		return
	}

	query := mysql.HopQuery{Session: strings.TrimSpace(r.URL.Query().Get("requester"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数"))
			return
		}
		query.Limit = limit
	}

	records, err := s.deps.Hops.List(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hops": records})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "active_sessions": len(s.deps.Sessions.Active())}
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}
	st, err := s.deps.Status.Status(r.Context())
	if err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["router"] = st
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.SetActiveSessions(len(s.deps.Sessions.Active()))
	metrics.Handler().ServeHTTP(w, r)
}
