package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/aura/common"
	"github.com/ruteri/aura/interfaces"
	"github.com/ruteri/aura/metrics"
	"go.uber.org/atomic"
)

// Server serves the control API of one agent, its health endpoints and,
// on a separate listener, Prometheus metrics.
type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handler    *Handler
}

func NewServer(cfg *HTTPServerConfig, handler *Handler) (*Server, error) {
	metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		log:        common.OrDiscard(cfg.Log),
		metricsSrv: metricsSrv,
		handler:    handler,
	}
	s.isReady.Store(true)
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Router returns the full route tree: the device API plus health and
// diagnostic endpoints.
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Group(func(r chi.Router) {
		r.Use(s.httpLogger, s.readyOnly)
		s.handler.Routes(r)
	})

	mux.Group(func(r chi.Router) {
		r.Use(s.httpLogger)
		r.Get("/livez", s.handleLiveness)
		r.Get("/readyz", s.handleReadiness)
		r.Get("/drain", s.handleSetReady(false))
		r.Get("/undrain", s.handleSetReady(true))
	})

	if s.cfg.EnablePprof {
		s.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(s.log, next)
}

var errDraining = interfaces.NewError(interfaces.KindTransient, "", "agent is draining")

// readyOnly turns API requests away while the server is drained.
func (s *Server) readyOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isReady.Load() {
			writeHealth(w, http.StatusServiceUnavailable, newErrorResponse(errDraining))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status     string `json:"status"`
	Account    string `json:"account,omitempty"`
	Device     string `json:"device,omitempty"`
	HoldsShare bool   `json:"holds_share,omitempty"`
	KeyEpoch   uint64 `json:"key_epoch,omitempty"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, healthResponse{Status: "alive"})
}

// handleReadiness also reports the account and device the agent serves.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
		return
	}
	st := newStatusResponse(s.handler.agent.Status())
	writeHealth(w, http.StatusOK, healthResponse{
		Status:     "ready",
		Account:    st.Account,
		Device:     st.Device,
		HoldsShare: st.HoldsShare,
		KeyEpoch:   st.KeyEpoch,
	})
}

func (s *Server) handleSetReady(ready bool) http.HandlerFunc {
	status := map[bool]string{true: "ready", false: "draining"}[ready]
	return func(w http.ResponseWriter, r *http.Request) {
		if s.isReady.Swap(ready) == ready {
			writeHealth(w, http.StatusOK, healthResponse{Status: "already " + status})
			return
		}
		s.log.Info("Server readiness changed", slog.Bool("ready", ready))
		writeHealth(w, http.StatusOK, healthResponse{Status: status})
	}
}

func writeHealth(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// listener is one of the servers started by RunInBackground.
type listener struct {
	name string
	addr string
	srv  interface {
		ListenAndServe() error
		Shutdown(context.Context) error
	}
}

func (s *Server) listeners() []listener {
	out := []listener{{name: "HTTP", addr: s.cfg.ListenAddr, srv: s.srv}}
	if s.cfg.MetricsAddr != "" {
		out = append(out, listener{name: "Metrics", addr: s.cfg.MetricsAddr, srv: s.metricsSrv})
	}
	return out
}

func (s *Server) RunInBackground() {
	for _, l := range s.listeners() {
		go func() {
			s.log.Info("Starting "+l.name+" server", "listenAddress", l.addr)
			if err := l.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error(l.name+" server failed", "err", err)
			}
		}()
	}
}

// Shutdown marks the server not ready, waits out the drain period so load
// balancers notice, then stops every listener.
func (s *Server) Shutdown() {
	if s.isReady.Swap(false) && s.cfg.DrainDuration > 0 {
		s.log.Info("Draining before shutdown", "duration", s.cfg.DrainDuration)
		time.Sleep(s.cfg.DrainDuration)
	}

	for _, l := range s.listeners() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
		if err := l.srv.Shutdown(ctx); err != nil {
			s.log.Error("Graceful "+l.name+" server shutdown failed", "err", err)
		} else {
			s.log.Info(l.name + " server gracefully stopped")
		}
		cancel()
	}
}
