package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/pingtriage/internal/pingtriage"
	"github.com/agentworkforce/pingtriage/internal/workflow"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	EventBuffer     int
	// Workflow enables the /v1/workflow reports when set.
	Workflow *workflow.Config
	Now      func() time.Time
}

type Server struct {
	store       *pingtriage.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *pingtriage.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *pingtriage.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "pings" && r.Method == http.MethodPost:
		route = "insert_ping"
	case len(parts) == 2 && parts[1] == "pings" && r.Method == http.MethodGet:
		route = "list_pings"
	case len(parts) == 3 && parts[1] == "pings" && r.Method == http.MethodGet:
		route = "get_ping"
	case len(parts) == 4 && parts[1] == "pings" && parts[3] == "analysis" && r.Method == http.MethodPost:
		route = "attach_analysis"
	case len(parts) == 4 && parts[1] == "pings" && parts[3] == "signals" && r.Method == http.MethodGet:
		route = "ping_signals"
	case len(parts) == 4 && parts[1] == "pings" && parts[3] == "responded" && r.Method == http.MethodPost:
		route = "mark_responded"
	case len(parts) == 4 && parts[1] == "pings" && parts[3] == "issue" && r.Method == http.MethodPut:
		route = "link_issue"
	case len(parts) == 3 && parts[1] == "threads" && r.Method == http.MethodGet:
		route = "get_thread"
	case len(parts) == 4 && parts[1] == "threads" && parts[3] == "pings" && r.Method == http.MethodGet:
		route = "thread_pings"
	case len(parts) == 3 && parts[1] == "issues" && parts[2] == "pending" && r.Method == http.MethodGet:
		route = "pending_issues"
	case len(parts) == 3 && parts[1] == "sync" && r.Method == http.MethodGet:
		route = "get_sync"
	case len(parts) == 3 && parts[1] == "sync" && r.Method == http.MethodPut:
		route = "set_sync"
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		route = "stats"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	case len(parts) == 3 && parts[1] == "workflow" && r.Method == http.MethodGet:
		route = "workflow"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeRoute(r.Header.Get("Authorization"), s.cfg.JWTSecret, route, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.AgentName, s.cfg.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "insert_ping":
		s.handleInsertPing(w, r, correlationID)
	case "list_pings":
		s.handleListPings(w, r, correlationID)
	case "get_ping":
		s.handleGetPing(w, r, parts[2], correlationID)
	case "attach_analysis":
		s.handleAttachAnalysis(w, r, parts[2], correlationID)
	case "ping_signals":
		s.handlePingSignals(w, r, parts[2], correlationID)
	case "mark_responded":
		s.handleMarkResponded(w, r, parts[2], correlationID)
	case "link_issue":
		s.handleLinkIssue(w, r, parts[2], correlationID)
	case "get_thread":
		s.handleGetThread(w, r, parts[2], correlationID)
	case "thread_pings":
		s.handleThreadPings(w, r, parts[2], correlationID)
	case "pending_issues":
		s.handlePendingIssues(w, r, correlationID)
	case "get_sync":
		s.handleGetSync(w, r, parts[2], correlationID)
	case "set_sync":
		s.handleSetSync(w, r, parts[2], correlationID)
	case "stats":
		writeJSON(w, http.StatusOK, s.store.Stats())
	case "events":
		s.handleEventStream(w, r, correlationID)
	case "workflow":
		s.handleWorkflow(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type insertPingRequest struct {
	Platform         string         `json:"platform"`
	MessageID        string         `json:"message_id"`
	Timestamp        string         `json:"timestamp"`
	Author           string         `json:"author"`
	Content          string         `json:"content"`
	ThreadID         string         `json:"thread_id,omitempty"`
	ThreadIdentifier string         `json:"thread_identifier,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type insertPingResponse struct {
	ID      string          `json:"id"`
	Created bool            `json:"created"`
	Ping    pingtriage.Ping `json:"ping"`
}

func (s *Server) handleInsertPing(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body insertPingRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	threadID := strings.TrimSpace(body.ThreadID)
	if threadID == "" && strings.TrimSpace(body.ThreadIdentifier) != "" {
		threadID = pingtriage.ThreadID(body.Platform, strings.TrimSpace(body.ThreadIdentifier))
	}
	id, created, err := s.store.InsertPingCreated(pingtriage.NewPing{
		Platform:  body.Platform,
		MessageID: body.MessageID,
		Timestamp: body.Timestamp,
		Author:    body.Author,
		Content:   body.Content,
		ThreadID:  threadID,
		Metadata:  body.Metadata,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	ping, _ := s.store.GetPing(id)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, insertPingResponse{ID: id, Created: created, Ping: ping})
}

func (s *Server) handleListPings(w http.ResponseWriter, r *http.Request, correlationID string) {
	var pings []pingtriage.Ping
	switch status := strings.TrimSpace(r.URL.Query().Get("status")); pingtriage.Status(status) {
	case "", pingtriage.StatusNew:
		pings = s.store.UnprocessedPings()
	case pingtriage.StatusAnalyzed:
		pings = s.store.AnalyzedPings()
	case pingtriage.StatusHandled:
		pings = s.store.HandledPings()
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "status must be one of new, analyzed, handled", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 500, 1, 5000)
	if len(pings) > limit {
		pings = pings[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pings})
}

func (s *Server) handleGetPing(w http.ResponseWriter, _ *http.Request, pingID, correlationID string) {
	ping, ok := s.store.GetPing(pingID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "ping not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, ping)
}

func (s *Server) handleAttachAnalysis(w http.ResponseWriter, r *http.Request, pingID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	analysis, err := pingtriage.ParseAnalysis(body)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	escalate, err := parseOptionalBool(r.URL.Query().Get("escalate"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid escalate query", correlationID)
		return
	}
	if escalate && analysis.Priority > pingtriage.PriorityNone {
		ping, ok := s.store.GetPing(pingID)
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "ping not found", correlationID)
			return
		}
		analysis.Priority = pingtriage.SuggestPriority(ping.Content, analysis.Priority)
	}
	if err := s.store.AttachAnalysis(pingID, analysis); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.writePing(w, pingID, correlationID)
}

func (s *Server) handlePingSignals(w http.ResponseWriter, _ *http.Request, pingID, correlationID string) {
	ping, ok := s.store.GetPing(pingID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "ping not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pingId":  ping.ID,
		"signals": pingtriage.DetectUrgency(ping.Content),
	})
}

func (s *Server) handleMarkResponded(w http.ResponseWriter, _ *http.Request, pingID, correlationID string) {
	if err := s.store.MarkResponded(pingID); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.writePing(w, pingID, correlationID)
}

func (s *Server) handleLinkIssue(w http.ResponseWriter, r *http.Request, pingID, correlationID string) {
	var body struct {
		IssueID string `json:"issue_id"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if err := s.store.LinkIssue(pingID, body.IssueID); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.writePing(w, pingID, correlationID)
}

func (s *Server) handleGetThread(w http.ResponseWriter, _ *http.Request, threadID, correlationID string) {
	thread, ok := s.store.GetThread(threadID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "thread not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleThreadPings(w http.ResponseWriter, _ *http.Request, threadID, correlationID string) {
	if _, ok := s.store.GetThread(threadID); !ok {
		writeError(w, http.StatusNotFound, "not_found", "thread not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.store.ThreadPings(threadID)})
}

func (s *Server) handlePendingIssues(w http.ResponseWriter, _ *http.Request, _ string) {
	items := make([]pingtriage.IssuePayload, 0)
	for _, ping := range s.store.AnalyzedPings() {
		if ping.LinearIssueID == "" {
			items = append(items, ping.IssuePayload())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type syncBookmark struct {
	Platform  string `json:"platform"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleGetSync(w http.ResponseWriter, _ *http.Request, platform, correlationID string) {
	ts, ok := s.store.LastSync(platform)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no sync bookmark for "+platform, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, syncBookmark{Platform: platform, Timestamp: ts})
}

func (s *Server) handleSetSync(w http.ResponseWriter, r *http.Request, platform, correlationID string) {
	var body struct {
		Timestamp string `json:"timestamp"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Timestamp) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "timestamp is required", correlationID)
		return
	}
	if err := s.store.SetLastSync(platform, body.Timestamp); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, syncBookmark{Platform: platform, Timestamp: body.Timestamp})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, _ *http.Request, step, correlationID string) {
	if s.cfg.Workflow == nil {
		writeError(w, http.StatusServiceUnavailable, "workflow_unconfigured", "workflow config is not loaded", correlationID)
		return
	}
	runner := workflow.Runner{Store: s.store, Config: *s.cfg.Workflow, Now: s.cfg.Now}
	var (
		report any
		err    error
	)
	switch step {
	case "fetch":
		report = runner.Fetch()
	case "dedupe":
		report = runner.Dedupe()
	case "analyze":
		report = runner.Analyze()
	case "sync":
		report, err = runner.Sync()
	case "triage":
		report, err = runner.Triage()
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown workflow step", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) writePing(w http.ResponseWriter, pingID, correlationID string) {
	ping, ok := s.store.GetPing(pingID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "ping not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, ping)
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, pingtriage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, pingtriage.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
	case errors.Is(err, pingtriage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
