// Package gateway exposes the sync, relationship, facts and proactive
// services over HTTP.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/kizunalab/kizuna/pkg/config"
	"github.com/kizunalab/kizuna/pkg/convlog"
	"github.com/kizunalab/kizuna/pkg/facts"
	"github.com/kizunalab/kizuna/pkg/logger"
	"github.com/kizunalab/kizuna/pkg/proactive"
	"github.com/kizunalab/kizuna/pkg/relationship"
)

const (
	maxBodyBytes        = 1 << 20
	snapshotKey         = "proactive"
	snapshotTTL         = 30 * time.Second
	consolidateDeadline = 2 * time.Minute
)

// Deps are the wired services the gateway fronts.
type Deps struct {
	Conv         *convlog.SyncService
	Rel          *relationship.SQLiteStore
	Facts        *facts.SQLiteStore
	Consolidator *facts.Consolidator
	Proactive    *proactive.SQLiteStore
	Scheduler    *proactive.Scheduler
}

// Server is the HTTP front of the companion core.
type Server struct {
	cfg        *config.Config
	configPath string
	deps       Deps
	snapshots  *expirable.LRU[string, config.ProactiveConfig]
	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer builds the gateway. configPath is re-read (with a short TTL
// cache) so proactive policy edits take effect without a restart.
func NewServer(cfg *config.Config, configPath string, deps Deps) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		deps:       deps,
		snapshots:  expirable.NewLRU[string, config.ProactiveConfig](4, nil, snapshotTTL),
		log:        logger.C("gateway"),
	}
}

// Handler returns the routed handler with auth applied. Exposed so tests
// can drive the gateway through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /conversation/log", s.handleAppend)
	mux.HandleFunc("GET /conversation/pull", s.handlePull)
	mux.HandleFunc("POST /conversation/delete", s.handleDelete)
	mux.HandleFunc("POST /conversation/prune", s.handlePrune)
	mux.HandleFunc("GET /conversation/last", s.handleLastActivity)

	mux.HandleFunc("GET /relationship", s.handleRelationshipRead)
	mux.HandleFunc("POST /relationship/delta", s.handleRelationshipDelta)
	mux.HandleFunc("POST /relationship/status", s.handleRelationshipStatus)

	mux.HandleFunc("GET /facts", s.handleFactsList)
	mux.HandleFunc("POST /facts", s.handleFactsUpsert)

	mux.HandleFunc("GET /proactive/pending", s.handleProactivePending)
	mux.HandleFunc("POST /proactive/tick", s.handleProactiveTick)

	return s.requireAppToken(mux)
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("gateway listening")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requireAppToken rejects requests without the configured bearer token.
// An empty configured token leaves the gateway open (local use).
func (s *Server) requireAppToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Server.AppToken
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// proactiveSettings returns the current policy snapshot, re-reading the
// config file at most once per TTL window. A broken file falls back to
// the boot-time settings.
func (s *Server) proactiveSettings() config.ProactiveConfig {
	if snap, ok := s.snapshots.Get(snapshotKey); ok {
		return snap
	}
	snap := s.cfg.Proactive
	if s.configPath != "" {
		if fresh, err := config.Load(s.configPath); err == nil {
			snap = fresh.Proactive
		} else {
			s.log.Warn().Err(err).Msg("config reload failed, using boot settings")
		}
	}
	s.snapshots.Add(snapshotKey, snap)
	return snap
}
