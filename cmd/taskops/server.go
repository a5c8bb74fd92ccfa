package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/taskops/health"
	"github.com/jonwraymond/taskops/observe"
	"github.com/jonwraymond/taskops/worker"
)

// opsHandler serves /metrics, the health endpoints and, when fs is set, the
// task functions under /functions/.
func opsHandler(agg *health.Aggregator, fs *worker.FunctionServer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.RegisterHandlers(mux, agg)
	if fs != nil {
		mux.Handle("/functions/", http.StripPrefix("/functions", fs))
	}
	return mux
}

// serveUntilDone serves h on addr until ctx is done, then drains within
// drain. A listener failure is returned immediately.
func serveUntilDone(ctx context.Context, addr string, h http.Handler, drain time.Duration, logger observe.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info(ctx, "ops server listening", observe.F("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info(shutdownCtx, "ops server stopped")
	return nil
}
