package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flitsinc/go-sessions/internal/config"
	"github.com/flitsinc/go-sessions/internal/session"
	"github.com/flitsinc/go-sessions/internal/state"
	"github.com/flitsinc/go-sessions/internal/tasks"
	"github.com/flitsinc/go-sessions/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	sessionCfg, err := cfg.Limits.SessionConfig()
	if err != nil {
		logger.Error("session limits", "error", err)
		os.Exit(1)
	}

	sink := telemetry.Multi(
		telemetry.MustNewPrometheusSink(prometheus.DefaultRegisterer),
		telemetry.NewLogSink(logger, slog.LevelDebug),
	)
	manager := session.NewManager(state.NewStore(db),
		session.WithConfig(sessionCfg),
		session.WithLogger(logger),
		session.WithTelemetry(sink),
	)

	var httpServer *http.Server
	if cfg.MetricsAddr != "" {
		listener, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			logger.Error("listen", "addr", cfg.MetricsAddr, "error", err)
			os.Exit(1)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/sessions", sessionsHandler(manager))
		httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("sessiond listening", "addr", listener.Addr().String())
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
	}
	if err := manager.CloseAll(ctx); err != nil {
		logger.Warn("close sessions", "error", err)
	}
}

type sessionSummary struct {
	ID     string `json:"session_id"`
	Tasks  int    `json:"tasks"`
	Active int    `json:"active"`
}

func sessionsHandler(manager *session.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		out := []sessionSummary{}
		for _, id := range manager.Sessions() {
			sess, ok := manager.Lookup(id)
			if !ok {
				continue
			}
			out = append(out, sessionSummary{
				ID:     id,
				Tasks:  len(sess.ListTasks(tasks.ListFilter{})),
				Active: len(sess.ListTasks(tasks.ListFilter{NonTerminal: true})),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
