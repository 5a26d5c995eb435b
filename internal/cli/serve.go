package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/character-memory/internal/api"
)

const shutdownTimeout = 15 * time.Second

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run background workers",
		Long: "Recover interrupted work, then serve context assembly and exchange recording over " +
			"HTTP while the worker pool applies extractions, summaries and session closes.",
		Run: runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default: config addr)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	report, err := a.engine.Recover(ctx)
	if err != nil {
		exitErr("recover", err)
	}
	log.WithFields(logrus.Fields{
		"released":  report.Released,
		"exchanges": report.Exchanges,
		"closing":   report.Closing,
		"summaries": report.Summaries,
		"indexed":   report.Indexed,
	}).Info("recovered background work")

	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewHandler(a.engine, log).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(gctx) })
	g.Go(func() error {
		log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		exitErr("serve", err)
	}
	log.Info("stopped")
}
