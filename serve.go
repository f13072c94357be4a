package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"node.town/scribe/www"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long:  `Serve session control, the live segment stream and transcripts over HTTP.`,
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(ctx)
	defer a.close()

	server := www.NewServer(www.FromCoordinator(a.coord), a.hub, a.store, a.logs.http)
	err := server.Serve(ctx, a.cfg.Port)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logs.main.Error("http server", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := a.coord.Shutdown(shutdownCtx); err != nil {
		a.logs.main.Warn("stop session", "error", err)
	}
	a.logs.main.Info("bye")
}
