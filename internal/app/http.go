package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"redline/api/internal/presence"
	"redline/api/internal/room"
	"redline/api/internal/search"
	"redline/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	hub        *room.Hub
	presence   *presence.Tracker
	corsOrigin string

	sessionMu sync.Mutex
	sessions  map[string]*sessionRecord
}

type sessionRecord struct {
	session    *room.Session
	contractID string
	actorID    string
	lastSeen   time.Time
}

const sessionIdleTimeout = 10 * time.Minute

func NewHTTPServer(service *Service, hub *room.Hub, tracker *presence.Tracker, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		hub:        hub,
		presence:   tracker,
		corsOrigin: corsOrigin,
		sessions:   make(map[string]*sessionRecord),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := search.Query{
			Text:             r.URL.Query().Get("q"),
			FilterType:       search.ResultType(r.URL.Query().Get("type")),
			FilterContractID: r.URL.Query().Get("contract"),
			Limit:            queryInt(r, "limit", 20),
			Offset:           queryInt(r, "offset", 0),
		}
		writeJSON(w, http.StatusOK, s.service.Search(q))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		s.handleEvents(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "contracts" {
		s.handleContracts(w, r, parts[2:])
		return
	}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "approvals" {
		s.handleApprovals(w, r, parts[2:])
		return
	}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "sessions" {
		s.handleSessions(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleContracts(w http.ResponseWriter, r *http.Request, rest []string) {
	ctx := r.Context()

	// /api/contracts
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			includeArchived := r.URL.Query().Get("includeArchived") == "true"
			contracts, err := s.service.ListContracts(ctx, includeArchived)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"contracts": contracts})
		case http.MethodPost:
			actor, ok := s.requireActor(w, r)
			if !ok {
				return
			}
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			contract, err := s.service.CreateContract(ctx, actor, body.Title)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, contract)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	contractID := rest[0]
	rest = rest[1:]

	// /api/contracts/{id}
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			contract, err := s.service.GetContract(ctx, contractID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, contract)
		case http.MethodDelete:
			actor, ok := s.requireActor(w, r)
			if !ok {
				return
			}
			if err := s.service.ArchiveContract(ctx, actor, contractID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"archived": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case len(rest) == 1 && rest[0] == "sign" && r.Method == http.MethodPost:
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		contract, err := s.service.SignContract(ctx, actor, contractID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, contract)

	case len(rest) == 1 && rest[0] == "expire" && r.Method == http.MethodPost:
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		contract, err := s.service.ExpireContract(ctx, actor, contractID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, contract)

	case len(rest) == 1 && rest[0] == "document" && r.Method == http.MethodGet:
		content, err := s.service.DocumentState(ctx, contractID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, content)

	case len(rest) == 1 && rest[0] == "peers" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"open":  s.hub.Open(contractID),
			"peers": s.hub.Peers(contractID),
		})

	case len(rest) == 1 && rest[0] == "join" && r.Method == http.MethodGet:
		if _, ok := s.requireActor(w, r); !ok {
			return
		}
		secret, err := s.service.JoinSecret(ctx, contractID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"secret": secret})

	case len(rest) == 1 && rest[0] == "session" && r.Method == http.MethodPost:
		s.handleSessionOpen(w, r, contractID)

	case rest[0] == "versions":
		s.handleVersions(w, r, contractID, rest[1:])

	case len(rest) == 1 && rest[0] == "diff" && r.Method == http.MethodGet:
		from, to, ok := diffRange(w, r)
		if !ok {
			return
		}
		diff, err := s.service.DiffVersions(ctx, contractID, from, to)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, diff)

	case len(rest) == 1 && rest[0] == "patch" && r.Method == http.MethodGet:
		from, to, ok := diffRange(w, r)
		if !ok {
			return
		}
		patch, err := s.service.ArchivePatch(ctx, contractID, from, to)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"patch": patch})

	case len(rest) == 1 && rest[0] == "archive" && r.Method == http.MethodGet:
		history, err := s.service.ArchiveHistory(ctx, contractID, queryInt(r, "limit", 50))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": history})

	case rest[0] == "approvals":
		s.handleContractApprovals(w, r, contractID, rest[1:])

	case rest[0] == "presence":
		s.handlePresence(w, r, contractID, rest[1:])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, contractID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			page, err := s.service.ListVersions(ctx, contractID, queryInt(r, "limit", 20), queryInt(r, "offset", 0))
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, page)
		case http.MethodPost:
			actor, ok := s.requireActor(w, r)
			if !ok {
				return
			}
			snapshot, err := s.service.SaveVersion(ctx, actor, contractID)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, snapshot)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	versionNumber, err := strconv.Atoi(rest[0])
	if err != nil || versionNumber < 1 {
		writeError(w, http.StatusBadRequest, "INVALID_VERSION", "Version number must be a positive integer", nil)
		return
	}

	if len(rest) == 1 && r.Method == http.MethodGet {
		snapshot, err := s.service.GetVersion(ctx, contractID, versionNumber)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	if len(rest) == 2 && rest[1] == "restore" && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		snapshot, err := s.service.RestoreVersion(ctx, actor, contractID, versionNumber)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snapshot)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleContractApprovals(w http.ResponseWriter, r *http.Request, contractID string, rest []string) {
	ctx := r.Context()

	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		approvals, err := s.service.ListApprovals(ctx, contractID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
	case http.MethodPost:
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			VersionNumber int      `json:"versionNumber"`
			ApproverIDs   []string `json:"approverIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		approvals, err := s.service.RequestApprovals(ctx, actor, contractID, body.VersionNumber, body.ApproverIDs)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"approvals": approvals})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleApprovals(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 2 && rest[1] == "decision" && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Decision string `json:"decision"`
			Comment  string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		approval, err := s.service.DecideApproval(r.Context(), actor, rest[0], body.Decision, body.Comment)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, approval)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, contractID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			entries, err := s.presence.List(ctx, contractID)
			if err != nil {
				s.fail(w, err)
				return
			}
			if entries == nil {
				entries = []presence.Entry{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"participants": entries})
		case http.MethodPost:
			actor, ok := s.requireActor(w, r)
			if !ok {
				return
			}
			entry, err := s.presence.Announce(ctx, contractID, actor.ID, actor.Name)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, entry)
		case http.MethodDelete:
			actor, ok := s.requireActor(w, r)
			if !ok {
				return
			}
			if err := s.presence.Leave(ctx, contractID, actor.ID); err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"left": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && rest[0] == "heartbeat" && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			CursorBlock int `json:"cursorBlock"`
			CursorChar  int `json:"cursorChar"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		entry, err := s.presence.Heartbeat(ctx, contractID, actor.ID, actor.Name, body.CursorBlock, body.CursorChar)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
		return
	}

	if len(rest) == 1 && rest[0] == "typing" && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		if err := s.presence.SetTyping(ctx, contractID, actor.ID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"typing": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleSessionOpen attaches the caller to the live editing room.
func (s *HTTPServer) handleSessionOpen(w http.ResponseWriter, r *http.Request, contractID string) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Secret string `json:"secret"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.hub.Join(r.Context(), contractID, body.Secret, actor.ID)
	if err != nil {
		if errors.Is(err, room.ErrBadSecret) {
			writeError(w, http.StatusForbidden, "BAD_SECRET", "Invalid join secret", nil)
			return
		}
		s.fail(w, err)
		return
	}

	sessionID := util.NewID("ses_")
	s.sessionMu.Lock()
	s.sessions[sessionID] = &sessionRecord{
		session:    session,
		contractID: contractID,
		actorID:    actor.ID,
		lastSeen:   time.Now(),
	}
	s.sessionMu.Unlock()
	s.reapSessions()

	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": sessionID})
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	record, ok := s.lookupSession(rest[0])
	if !ok {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "Unknown or expired session", nil)
		return
	}

	switch {
	case len(rest) == 1 && r.Method == http.MethodDelete:
		s.sessionMu.Lock()
		delete(s.sessions, rest[0])
		s.sessionMu.Unlock()
		record.session.Leave(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"left": true})

	case len(rest) == 2 && rest[1] == "updates" && r.Method == http.MethodPost:
		var body struct {
			Update string `json:"update"` // base64-encoded
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		update, err := base64.StdEncoding.DecodeString(body.Update)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_UPDATE", "Update must be base64 encoded", nil)
			return
		}
		if err := record.session.Apply(r.Context(), update); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "MALFORMED_UPDATE", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"applied": true})

	case len(rest) == 2 && rest[1] == "updates" && r.Method == http.MethodGet:
		s.drainUpdates(w, r, record)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// drainUpdates returns queued updates, waiting up to waitMs for the first
// one so clients can long-poll instead of hammering the endpoint.
func (s *HTTPServer) drainUpdates(w http.ResponseWriter, r *http.Request, record *sessionRecord) {
	wait := time.Duration(queryInt(r, "waitMs", 0)) * time.Millisecond
	if wait > 25*time.Second {
		wait = 25 * time.Second
	}

	updates := make([]string, 0)
	appendUpdate := func(update []byte) {
		updates = append(updates, base64.StdEncoding.EncodeToString(update))
	}

	if wait > 0 {
		select {
		case update, ok := <-record.session.Updates():
			if ok {
				appendUpdate(update)
			}
		case <-time.After(wait):
		case <-r.Context().Done():
			return
		}
	}

	for {
		select {
		case update, ok := <-record.session.Updates():
			if !ok {
				writeJSON(w, http.StatusOK, map[string]any{"updates": updates, "closed": true})
				return
			}
			appendUpdate(update)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"updates": updates})
			return
		}
	}
}

// handleEvents streams domain events as newline-delimited JSON until the
// client disconnects.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}

	events, cancel := s.service.Events().Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := encoder.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) lookupSession(sessionID string) (*sessionRecord, bool) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	record.lastSeen = time.Now()
	return record, true
}

// reapSessions detaches sessions whose clients went silent.
func (s *HTTPServer) reapSessions() {
	cutoff := time.Now().Add(-sessionIdleTimeout)

	s.sessionMu.Lock()
	var stale []*sessionRecord
	for id, record := range s.sessions {
		if record.lastSeen.Before(cutoff) {
			stale = append(stale, record)
			delete(s.sessions, id)
		}
	}
	s.sessionMu.Unlock()

	for _, record := range stale {
		record.session.Leave(context.Background())
	}
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	actor := actorFrom(r)
	if actor.ID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-Actor-Id header is required", nil)
		return Actor{}, false
	}
	return actor, true
}

func actorFrom(r *http.Request) Actor {
	actor := Actor{
		ID:   strings.TrimSpace(r.Header.Get("X-Actor-Id")),
		Name: strings.TrimSpace(r.Header.Get("X-Actor-Name")),
	}
	if actor.Name == "" {
		actor.Name = actor.ID
	}
	return actor
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-Id, X-Actor-Name, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func diffRange(w http.ResponseWriter, r *http.Request) (from, to int, ok bool) {
	from = queryInt(r, "from", 0)
	to = queryInt(r, "to", 0)
	if from < 1 || to < 1 {
		writeError(w, http.StatusBadRequest, "INVALID_RANGE", "Query params from and to must be positive version numbers", nil)
		return 0, 0, false
	}
	return from, to, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
