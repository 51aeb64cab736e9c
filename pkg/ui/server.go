package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/queue"
	"github.com/leaktk/nps/pkg/reporter"
	"github.com/leaktk/nps/pkg/response"
	"github.com/leaktk/nps/version"
)

// QueueStats reports the lists behind a queue
type QueueStats interface {
	Len(ctx context.Context, queue string) (queue.Lengths, error)
}

// Server is the admin API used to review and moderate findings
type Server struct {
	addr   string
	store  reporter.FindingStore
	stats  QueueStats
	queues []string
	router http.Handler
}

type (
	message struct {
		Msg string `json:"msg"`
	}

	heartbeat struct {
		Success bool   `json:"success"`
		Result  string `json:"result"`
	}

	statsResponse struct {
		TotalFindings int64                    `json:"totalFindings"`
		Queues        map[string]queue.Lengths `json:"queues,omitempty"`
	}

	findingsResponse struct {
		Limit    int                 `json:"limit"`
		Offset   int                 `json:"offset"`
		Findings []*response.Finding `json:"findings"`
	}

	flagsUpdate struct {
		Ignore        *bool `json:"ignore"`
		FalsePositive *bool `json:"falsePositive"`
	}
)

// NewServer builds the admin API. stats may be nil when no queue store is
// reachable, in which case only finding totals are reported.
func NewServer(cfg *config.Config, store reporter.FindingStore, stats QueueStats) *Server {
	s := &Server{
		addr:   cfg.UI.Addr(),
		store:  store,
		stats:  stats,
		queues: []string{cfg.Queue.WorkQueue, cfg.Queue.ResultQueue},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /heartbeat", s.getHeartbeat)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v0/{$}", s.getRoot)
	mux.HandleFunc("GET /api/v0/stats", s.getStats)
	mux.HandleFunc("GET /api/v0/findings", s.listFindings)
	mux.HandleFunc("GET /api/v0/findings/{id}", s.getFinding)
	mux.HandleFunc("POST /api/v0/findings/{id}", s.updateFinding)
	mux.HandleFunc("PUT /api/v0/findings/{id}", s.updateFinding)

	for _, flag := range []string{"ignore", "falsePositive"} {
		mux.HandleFunc("POST /api/v0/findings/{id}/"+flag, s.setFlag(flag, true))
		mux.HandleFunc("PUT /api/v0/findings/{id}/"+flag, s.setFlag(flag, true))
		mux.HandleFunc("DELETE /api/v0/findings/{id}/"+flag, s.setFlag(flag, false))
	}

	s.router = withHeaders(mux)
	return s
}

// Handler returns the routes with the common headers applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done and then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown ui server: error=%q", err)
		}
	}()

	logger.Info("starting ui server: addr=%q", s.addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// withHeaders sets the server name and a conservative set of security
// headers on every response
func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Server", version.GlobalUserAgent)
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'self'")

		logger.Debug("ui request: method=%q path=%q", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Error("could not marshal response: error=%q", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeStoreError maps a store error onto a status code
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, response.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, message{Msg: "Record not found"})
		return
	}

	logger.Error("finding store error: error=%q", err)
	writeJSON(w, http.StatusInternalServerError, message{Msg: "Database error"})
}

func (s *Server) getHeartbeat(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, heartbeat{Success: true, Result: "ok"})
}

func (s *Server) getRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, message{Msg: "ok"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.Count(r.Context(), reporter.Filter{})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	stats := statsResponse{TotalFindings: total}
	if s.stats != nil {
		stats.Queues = make(map[string]queue.Lengths, len(s.queues))

		for _, name := range s.queues {
			lengths, err := s.stats.Len(r.Context(), name)
			if err != nil {
				// Finding totals are still useful while the queue store is down
				logger.Warning("could not read queue lengths: queue=%q error=%q", name, err)
				continue
			}
			stats.Queues[name] = lengths
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// parseFilter reads the filterable query parameters
func parseFilter(r *http.Request) (reporter.Filter, error) {
	query := r.URL.Query()

	filter := reporter.Filter{
		PackageName:    query.Get("packageName"),
		PackageVersion: query.Get("packageVersion"),
		FoundBy:        query.Get("foundBy"),
		Key:            query.Get("key"),
		Limit:          reporter.DefaultListLimit,
	}

	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}

	if offset, err := strconv.Atoi(query.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	for name, dest := range map[string]**bool{"ignore": &filter.Ignore, "falsePositive": &filter.FalsePositive} {
		raw := query.Get(name)
		if len(raw) == 0 {
			continue
		}

		value, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid %s filter: value=%q", name, raw)
		}
		*dest = &value
	}

	return filter, nil
}

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message{Msg: err.Error()})
		return
	}

	findings, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	body, err := json.Marshal(findingsResponse{Limit: filter.Limit, Offset: filter.Offset, Findings: findings})
	if err != nil {
		logger.Error("could not marshal findings: error=%q", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	etag := `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	w.Header().Set("ETag", etag)

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) getFinding(w http.ResponseWriter, r *http.Request) {
	finding, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, finding)
}

// updateFinding only accepts the moderation flags. Everything else in the
// body is ignored.
func (s *Server) updateFinding(w http.ResponseWriter, r *http.Request) {
	var update flagsUpdate

	if r.Body == nil || r.ContentLength == 0 {
		writeJSON(w, http.StatusBadRequest, message{Msg: "Missing request body"})
		return
	}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, message{Msg: "Invalid request body"})
		return
	}

	if err := s.store.SetFlags(r.Context(), r.PathValue("id"), update.Ignore, update.FalsePositive); err != nil {
		writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setFlag(flag string, value bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		switch flag {
		case "ignore":
			err = s.store.SetFlags(r.Context(), r.PathValue("id"), &value, nil)
		default:
			err = s.store.SetFlags(r.Context(), r.PathValue("id"), nil, &value)
		}

		if err != nil {
			writeStoreError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
