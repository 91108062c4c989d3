package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"audioleds/internal/control"
)

// ============================================================================
// HTTP Server
// ============================================================================
// Resources:  GET|PUT|DELETE /r/{resource}   raw body in, raw body out
// Observe:    /ws (see state_ws.go)
// Metrics:    /metrics
//
// Every resource response carries the resource code in X-Resource-Code.
// ============================================================================

const resourceCodeHeader = "X-Resource-Code"

// httpStatus maps a resource code to the closest HTTP status.
func httpStatus(c control.Code) int {
	switch c {
	case control.Created:
		return http.StatusCreated
	case control.Deleted, control.Changed:
		return http.StatusNoContent
	case control.Content:
		return http.StatusOK
	case control.BadRequest:
		return http.StatusBadRequest
	case control.Forbidden:
		return http.StatusForbidden
	case control.NotFound:
		return http.StatusNotFound
	case control.MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case control.ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// resourceHandler adapts the control surface to HTTP.
func resourceHandler(surface *control.Surface, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload []byte
		if r.Method == http.MethodPut {
			b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResourceBody))
			if err != nil {
				status := http.StatusBadRequest
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					status = http.StatusRequestEntityTooLarge
				}
				w.Header().Set(resourceCodeHeader, control.BadRequest.Dotted())
				http.Error(w, fmt.Sprintf("read body: %v", err), status)
				return
			}
			payload = b
		}

		resp := surface.Handle(r.Context(), control.Request{
			Method:   r.Method,
			Resource: r.PathValue("resource"),
			Payload:  payload,
		})

		w.Header().Set(resourceCodeHeader, resp.Code.Dotted())
		status := httpStatus(resp.Code)
		if !resp.Code.Success() {
			msg := resp.Code.String()
			if resp.Err != nil {
				msg = resp.Err.Error()
			}
			http.Error(w, msg, status)
			return
		}
		if len(resp.Payload) == 0 {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(status)
		if _, err := w.Write(resp.Payload); err != nil {
			logger.Debug("http write failed", "error", err)
		}
	}
}

// newHTTPMux wires every HTTP endpoint. obs and metricsHandler may be nil.
func newHTTPMux(cfg Config, surface *control.Surface, obs *Server, metricsHandler http.Handler, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/r/{resource}", resourceHandler(surface, logger))
	if obs != nil {
		obs.Register(mux, cfg.Observe.Path)
	}
	if metricsHandler != nil {
		mux.Handle(cfg.Metrics.Path, metricsHandler)
	}
	return mux
}

// runHTTPServer serves handler on port and shuts it down gracefully when ctx
// is canceled.
func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	listenAddr := fmt.Sprintf(":%d", port)
	logger.Info("http server listening", "port", port)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
