package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Aaminly/alova"
	"github.com/Aaminly/alova/internal/echoserver"
)

var serveAddrFlag string

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local echo server to send requests against",
		Long: `Serve an HTTP endpoint that reflects every request back as JSON.

Routes:
  GET /status/{code}   reply with the given status
  GET /slow?delay=1s   echo after a delay
  GET /metrics         Prometheus metrics of the server process
  *   /*               echo method, path, query, headers and body`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringVarP(&serveAddrFlag, "addr", "a", ":8080", "Listen address")

	return cmd
}

func newServeHandler(echo *echoserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Mount("/", echo)
	return r
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := alova.NewDevelopmentLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	echo := echoserver.New()
	srv := &http.Server{
		Addr:              serveAddrFlag,
		Handler:           newServeHandler(echo),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	color.New(color.FgGreen, color.Bold).Fprintf(cmd.OutOrStdout(), "✓ echo server listening on %s\n", serveAddrFlag)
	logger.Info("echo server started", "addr", serveAddrFlag)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("echo server stopped", "hits", echo.Hits())
	return nil
}
