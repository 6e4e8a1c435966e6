package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics and /healthz for scraping and liveness probes.
type Server struct {
	addr     string
	recorder *Recorder
	log      *slog.Logger
}

func NewServer(addr string, recorder *Recorder, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		recorder: recorder,
		log:      log.With("component", "metrics"),
	}
}

// Run blocks until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.recorder.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics.Run: shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics.Run: %w", err)
		}
		return nil
	}
}
