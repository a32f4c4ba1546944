package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clicktrail/internal/config"
	"clicktrail/internal/metrics"
)

type Server struct {
	cfg       config.CollectorConfig
	collector *Collector
	logger    *slog.Logger
	version   string
	started   time.Time
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	Uptime     string           `json:"uptime"`
	Path       string           `json:"path"`
	Forwarding bool             `json:"forwarding"`
	Stored     int              `json:"stored_records"`
	Counters   map[string]int64 `json:"counters"`
}

func NewServer(cfg config.CollectorConfig, c *Collector, logger *slog.Logger, version string) *Server {
	if cfg.Path == "" {
		cfg.Path = "/track-clickData"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	return &Server{cfg: cfg, collector: c, logger: logger, version: version, started: time.Now().UTC()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.cors(s.handleTrack))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/", s.handleMetrics)
	mux.HandleFunc("/batches", s.handleBatches)
	mux.HandleFunc("/admin/clear", s.handleClear)
	return mux
}

// Start serves until ctx is done.
func Start(ctx context.Context, s *Server) *http.Server {
	if s.logger != nil {
		s.logger.Info("collector listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
	}
	httpServer := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("collector server error", "err", err)
			}
		}
	}()
	return httpServer
}

// cors echoes an allowed Origin back and answers preflight requests.
func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.originAllowed(origin) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden: invalid origin"})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// handleTrack accepts any content type: unload beacons arrive as text/plain.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.collector.metrics.Inc(metrics.BatchesRejected)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	records, err := DecodeBatch(body)
	if err != nil {
		s.collector.metrics.Inc(metrics.BatchesRejected)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": invalidBatchMessage})
		return
	}
	if _, err := s.collector.Accept(r.Context(), r.RemoteAddr, records); err != nil {
		if s.logger != nil {
			s.logger.Error("batch not stored", "records", len(records), "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Click data received successfully",
		"accepted": len(records),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stored := -1
	if s.collector.sink != nil {
		if n, err := s.collector.sink.CountRecords(r.Context()); err == nil {
			stored = n
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Path:       s.cfg.Path,
		Forwarding: s.collector.forward != nil,
		Stored:     stored,
		Counters:   s.collector.metrics.GetAll(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/metrics"), "/")
	if name != "" {
		value, updated, ok := s.collector.metrics.Get(name)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":       name,
			"value":      value,
			"updated_at": updated.Format(time.RFC3339Nano),
		})
		return
	}
	all := s.collector.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": all,
		"count":   len(all),
	})
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.collector.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"batches": []any{}, "count": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list any
	count := 0
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got := s.collector.history.Since(ts)
		list, count = got, len(got)
	} else {
		got := s.collector.history.List(limit)
		list, count = got, len(got)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batches": list,
		"count":   count,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.collector.metrics.Clear()
		s.clearHistory()
	case "batches":
		s.clearHistory()
	case "metrics":
		s.collector.metrics.Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) clearHistory() {
	if s.collector.history != nil {
		s.collector.history.Clear()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
