package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/dialog"
	"github.com/BTreeMap/CoachPipe/internal/interp"
	"github.com/BTreeMap/CoachPipe/internal/rules"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/worker"
)

// Server exposes the CoachPipe management API: participant enrollment,
// scripts, rules, message groups, variables, conversation control, and the
// on-demand rule sweep.
type Server struct {
	store   store.Store
	clock   clock.Clock
	interp  *interp.Interpreter
	sweeper *rules.Sweeper
	dialog  *dialog.Manager
	pool    *worker.Pool

	// webhook, when set, is mounted at POST /webhook/inbound for the channel
	// adapter's inbound callback.
	webhook http.HandlerFunc

	httpServer *http.Server
}

// NewServer wires the API server.
func NewServer(st store.Store, clk clock.Clock, in *interp.Interpreter, sw *rules.Sweeper,
	dm *dialog.Manager, pool *worker.Pool, webhook http.HandlerFunc) *Server {
	return &Server{
		store:   st,
		clock:   clk,
		interp:  in,
		sweeper: sw,
		dialog:  dm,
		pool:    pool,
		webhook: webhook,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/participants", func(r chi.Router) {
		r.Post("/", s.enrollParticipantHandler)
		r.Get("/", s.listParticipantsHandler)
		r.Route("/{participantID}", func(r chi.Router) {
			r.Get("/", s.getParticipantHandler)
			r.Get("/messages", s.listMessagesHandler)
			r.Post("/variables", s.setVariableHandler)
			r.Get("/variables/{name}", s.getVariableHandler)
			r.Post("/sweep", s.sweepParticipantHandler)
		})
	})

	r.Route("/conversations/{participantID}", func(r chi.Router) {
		r.Post("/start", s.startConversationHandler)
		r.Get("/", s.getConversationHandler)
		r.Post("/reply", s.replyHandler)
		r.Delete("/", s.cancelConversationHandler)
	})

	r.Post("/scripts", s.saveScriptHandler)
	r.Get("/scripts/{scriptID}", s.getScriptHandler)
	r.Post("/rules", s.saveRuleHandler)
	r.Get("/rules", s.listRulesHandler)
	r.Post("/messagegroups", s.saveMessageGroupHandler)
	r.Post("/sweep", s.sweepAllHandler)

	if s.webhook != nil {
		r.Post("/webhook/inbound", s.webhook)
	}
	return r
}

// Start serves the API on addr until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
