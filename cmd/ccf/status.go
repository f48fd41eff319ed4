package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"comms-ccf/client"
	"comms-ccf/codec"
)

type schemaEntry struct {
	Index     uint8  `json:"index"`
	Signature string `json:"signature"`
	Doc       string `json:"doc,omitempty"`
}

// statusRouter serves Prometheus metrics and the discovered function table.
func statusRouter(c *client.Client, session string) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/schema", func(w http.ResponseWriter, _ *http.Request) {
		entries := make([]schemaEntry, 0)
		for _, f := range c.Schema() {
			entries = append(entries, schemaEntry{Index: f.Index, Signature: f.Signature(), Doc: f.Doc})
		}
		body, err := (&codec.JSONCodec{}).Encode(map[string]any{
			"session":   session,
			"state":     c.State().String(),
			"functions": entries,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	return r
}

// serveStatus runs the status server until ctx is done.
func serveStatus(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server")
	}
}
