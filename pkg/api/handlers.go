package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/psaab/dyntrack/pkg/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, BuildStatus(s.engine, s.startTime))
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeOK(w, BuildSessions(s.engine, SessionQuery{
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
		Protocol: r.URL.Query().Get("protocol"),
		Rule:     uint32(queryInt(r, "rule", 0)),
	}))
}

func (s *Server) summaryHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, BuildSummary(s.engine, s.gc))
}

func (s *Server) rulesHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, BuildRules(s.engine))
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	writeOK(w, BuildEvents(s.engine, queryInt(r, "limit", 50), logging.EventFilter{
		Rule:     uint32(queryInt(r, "rule", 0)),
		Type:     r.URL.Query().Get("type"),
		Action:   r.URL.Query().Get("action"),
		Protocol: r.URL.Query().Get("protocol"),
	}))
}

func (s *Server) flushHandler(w http.ResponseWriter, r *http.Request) {
	n := s.engine.Flush()
	slog.Info("API: dynamic state flushed", "principal", principalName(r), "removed", n)
	writeOK(w, ClearResponse{Removed: n})
}

func (s *Server) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid rule number")
		return
	}
	removed, ok := DeleteRule(s.engine, uint32(id))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("rule %d not found", id))
		return
	}
	slog.Info("API: rule deleted", "principal", principalName(r), "rule", id, "removed", removed)
	writeOK(w, ClearResponse{Removed: removed})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
