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

	"github.com/matheus3301/chatsync/internal/devserver"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var devserverAddr string

func init() {
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", "127.0.0.1:8080", "listen address")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory relay server for local testing",
	Long:  "Serve the REST and WebSocket endpoints the daemon talks to, backed by memory.\nPoint server_url at http://<addr>/ and ws_url at ws://<addr>/socket.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		dev := devserver.New(logger)
		srv := &http.Server{Addr: devserverAddr, Handler: dev.Handler(), ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("devserver listening on %s (verification code %s)\n", devserverAddr, dev.Code)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
