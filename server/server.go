package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"esg_report_studio/generator"
	"esg_report_studio/outline"
	"esg_report_studio/workflow"
)

type Server struct {
	agent   *generator.Agent
	logger  *slog.Logger
	store   *sessionStore
	metrics *metrics
	opts    Options
}

// Options tune a Server. Zero values are usable.
type Options struct {
	Logger *slog.Logger
	// OutlineTimeout bounds one outline draft (default 60s).
	OutlineTimeout time.Duration
	// NewID generates outline node ids for sessions.
	NewID outline.IDFunc
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*workflow.Session
}

func newStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*workflow.Session)}
}

func (s *sessionStore) set(id string, sess *workflow.Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
	return len(s.sessions)
}

func (s *sessionStore) get(id string) (*workflow.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *sessionStore) remove(id string) (*workflow.Session, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	return sess, len(s.sessions)
}

func (s *sessionStore) drain() []*workflow.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workflow.Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, sess)
		delete(s.sessions, id)
	}
	return out
}

func New(agent *generator.Agent, opts Options) (*Server, error) {
	if agent == nil {
		return nil, errors.New("generator agent required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OutlineTimeout <= 0 {
		opts.OutlineTimeout = 60 * time.Second
	}
	return &Server{
		agent:   agent,
		logger:  opts.Logger,
		store:   newStore(),
		metrics: newMetrics(),
		opts:    opts,
	}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(workflow.OutlinePath, s.handleOutline)
	mux.HandleFunc(workflow.ReportPath, s.handleReport)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/sessions", s.handleSessionCreate)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	return corsMiddleware(s.logMiddleware(mux))
}

// Close cancels the report streams of every session.
func (s *Server) Close() {
	for _, sess := range s.store.drain() {
		sess.Close()
	}
	s.metrics.sessions.Set(0)
}

// --- Generation endpoints ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleOutline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req generator.OutlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.outlineRequests.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.OutlineTimeout)
	defer cancel()
	res, err := s.agent.Draft(ctx, req)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusBadRequest {
			s.metrics.outlineRequests.WithLabelValues("bad_request").Inc()
		} else {
			s.metrics.outlineRequests.WithLabelValues("error").Inc()
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.metrics.outlineRequests.WithLabelValues("ok").Inc()
	writeJSON(w, res.Response())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var spec generator.ReportSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := spec.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	n, err := s.agent.WriteReport(r.Context(), spec, w, flusher.Flush)
	s.metrics.reportChunks.Add(float64(n))
	switch {
	case err == nil:
		s.metrics.reportStreams.WithLabelValues("complete").Inc()
	case r.Context().Err() != nil:
		s.metrics.reportStreams.WithLabelValues("cancelled").Inc()
		s.logger.Info("report stream closed by client", "topic", spec.Topic, "chunks", n)
	default:
		s.metrics.reportStreams.WithLabelValues("failed").Inc()
		s.logger.Warn("report stream failed", "topic", spec.Topic, "chunks", n, "err", err)
	}
}

// --- Session API ---

type sessionCreateReq struct {
	Topic string `json:"topic"`
	// Outline, when given, is loaded instead of drafting one.
	Outline      []outline.RawNode `json:"outline,omitempty"`
	TemplateText string            `json:"template_text,omitempty"`
}

type editReq struct {
	Op       string `json:"op"`
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Title    string `json:"title"`
	From     int    `json:"from"`
	To       int    `json:"to"`
	// Outline is the whole tree for op "replace".
	Outline *outline.Tree `json:"outline,omitempty"`
}

type reportView struct {
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error,omitempty"`
}

type sessionResp struct {
	SessionID    string                   `json:"session_id"`
	Topic        string                   `json:"topic"`
	TemplateText string                   `json:"template_text"`
	Outline      outline.Tree             `json:"outline"`
	Chapters     []outline.SerializedNode `json:"chapters"`
	Report       reportView               `json:"report"`
	AddedID      string                   `json:"added_id,omitempty"`
}

func viewOf(sess *workflow.Session) sessionResp {
	tree := sess.Tree()
	buf := sess.Report()
	rv := reportView{Status: buf.Status.String(), Text: buf.Text}
	if buf.Err != nil {
		rv.Error = buf.Err.Error()
	}
	return sessionResp{
		SessionID:    sess.ID(),
		Topic:        sess.Topic(),
		TemplateText: sess.TemplateText(),
		Outline:      tree,
		Chapters:     tree.Serialize().Chapters,
		Report:       rv,
	}
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sessionCreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := newSessionID()
	svc := workflow.AgentService{Agent: s.agent}
	sess, err := workflow.NewSession(id, req.Topic, workflow.Services{Outlines: svc, Reports: svc, NewID: s.opts.NewID}, s.logger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(req.Outline) > 0 {
		sess.LoadOutline(req.TemplateText, req.Outline)
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.OutlineTimeout)
		defer cancel()
		if _, err := sess.GenerateOutline(ctx); err != nil {
			sess.Close()
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	}
	s.metrics.sessions.Set(float64(s.store.set(id, sess)))
	w.Header().Set("Location", "/api/sessions/"+id)
	writeJSONStatus(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	sess, ok := s.store.get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	switch action {
	case "":
		s.handleSession(w, r, sess)
	case "edits":
		s.handleEdit(w, r, sess)
	case "report":
		s.handleSessionReport(w, r, sess)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, sess *workflow.Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, viewOf(sess))
	case http.MethodDelete:
		removed, n := s.store.remove(sess.ID())
		if removed != nil {
			removed.Close()
		}
		s.metrics.sessions.Set(float64(n))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, sess *workflow.Session) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req editReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var added string
	switch req.Op {
	case "edit":
		sess.EditTitle(req.ID, req.Title)
	case "add":
		_, added = sess.AddChild(req.ParentID)
	case "delete":
		sess.DeleteNode(req.ID)
	case "reorder":
		sess.ReorderSiblings(req.ParentID, req.From, req.To)
	case "topic":
		sess.SetTopic(req.Title)
	case "replace":
		if req.Outline == nil {
			http.Error(w, "replace needs an outline", http.StatusBadRequest)
			return
		}
		if err := sess.ReplaceTree(*req.Outline); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	case "regenerate":
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.OutlineTimeout)
		defer cancel()
		if _, err := sess.RegenerateOutline(ctx); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	default:
		http.Error(w, "unknown op "+req.Op, http.StatusBadRequest)
		return
	}
	view := viewOf(sess)
	view.AddedID = added
	writeJSON(w, view)
}

func (s *Server) handleSessionReport(w http.ResponseWriter, r *http.Request, sess *workflow.Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, viewOf(sess))
	case http.MethodPost:
		// The stream outlives this request.
		if err := sess.StartReport(context.WithoutCancel(r.Context())); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSONStatus(w, http.StatusAccepted, viewOf(sess))
	case http.MethodDelete:
		sess.CancelReport()
		writeJSON(w, viewOf(sess))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Helpers ---

func statusFor(err error) int {
	switch {
	case errors.Is(err, generator.ErrEmptyTopic),
		errors.Is(err, workflow.ErrNoTopic),
		errors.Is(err, workflow.ErrNoOutline):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrTopicChanged):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func newSessionID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		s.metrics.httpDuration.WithLabelValues(routeOf(r.URL.Path), r.Method, strconv.Itoa(rec.code)).Observe(elapsed.Seconds())
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.code, "duration", elapsed)
	})
}

// routeOf collapses session ids so metric labels stay bounded.
func routeOf(path string) string {
	if rest, ok := strings.CutPrefix(path, "/api/sessions/"); ok {
		if _, action, found := strings.Cut(strings.Trim(rest, "/"), "/"); found {
			return "/api/sessions/{id}/" + action
		}
		return "/api/sessions/{id}"
	}
	switch path {
	case workflow.OutlinePath, workflow.ReportPath, "/api/health", "/api/sessions", "/metrics":
		return path
	}
	return "other"
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
