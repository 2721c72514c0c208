// Package admin exposes the local operations API: submit work, inspect
// the manifest and quarantine, release quarantined tasks, and read
// governor utilization and recent events.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"taskwarden/internal/eventbus"
	"taskwarden/internal/governor"
	"taskwarden/internal/manifest"
	"taskwarden/internal/quarantine"
	"taskwarden/internal/sched"
	logx "taskwarden/pkg/logx"
)

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	RatePerSec    int
	RateBurst     int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:7911"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 2 * c.RatePerSec
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

type Deps struct {
	Sched      *sched.Scheduler
	Manifest   *manifest.Manifest
	Quarantine *quarantine.Store
	Governor   *governor.Governor
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Server struct {
	cfg Config
	d   Deps
	log logx.Logger

	limiter *rate.Limiter
	http    *http.Server
}

func New(cfg Config, d Deps) *Server {
	cfg = cfg.withDefaults()
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:     cfg,
		d:       d,
		log:     log.With(logx.String("comp", "admin")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()
	s.log.Info("admin api listening", logx.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the routed handler (tests).
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.throttle)
	r.Use(s.auth)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmit)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)

		r.Get("/quarantine", s.handleListQuarantine)
		r.Post("/quarantine/{id}/release", s.handleRelease)

		r.Get("/governor", s.handleGovernor)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			writeErr(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": len(s.d.Manifest.List(manifest.StatusRunning)),
	})
}

type submitRequest struct {
	Type          string `json:"type"`
	PayloadKey    string `json:"payload_key"`
	ResourceClass string `json:"resource_class,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	id, created, err := s.d.Sched.Submit(r.Context(), req.Type, req.PayloadKey, req.ResourceClass)
	if err != nil {
		if errors.Is(err, sched.ErrUnknownClass) {
			writeErr(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"task_id": id, "created": created})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter manifest.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := manifest.ParseStatus(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = st
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.d.Manifest.List(filter)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.d.Manifest.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"quarantined": s.d.Quarantine.List()})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.d.Sched.ReleaseQuarantined(r.Context(), id); err != nil {
		if errors.Is(err, quarantine.ErrNotQuarantined) {
			writeErr(w, http.StatusNotFound, err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "released": true})
}

func (s *Server) handleGovernor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"classes": s.d.Governor.Utilizations()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeErr(w, http.StatusBadRequest, "n must be an integer in [1, 1000]")
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.d.Bus.Recent(n)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
