package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/aura/cmd/flags"
	"github.com/ruteri/aura/transport"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "aura-relay",
		Usage: "Forward frames between agents that cannot reach each other directly",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Value: "127.0.0.1:7443",
				Usage: "address to accept relay connections on",
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "certificate for wss://; plain ws:// when empty",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "key matching --tls-cert",
			},
			flags.LogServiceFlagFn("aura-relay"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			listenAddr := cCtx.String("listen-addr")
			certFile, keyFile := cCtx.String("tls-cert"), cCtx.String("tls-key")

			mux := chi.NewRouter()
			// The relay upgrades to a websocket and needs the raw writer, so
			// only the health check goes through the request logger.
			mux.Handle("/relay", transport.NewRelayServer(logger))
			mux.With(func(next http.Handler) http.Handler {
				return httplogger.LoggingMiddlewareSlog(logger, next)
			}).Get("/livez", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"status":"alive"}`))
			})
			srv := &http.Server{
				Addr:              listenAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				logger.Info("Starting relay", "listenAddress", listenAddr, "tls", certFile != "")
				var err error
				if certFile != "" {
					err = srv.ListenAndServeTLS(certFile, keyFile)
				} else {
					err = srv.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Relay server failed", "err", err)
				}
			}()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("Graceful relay shutdown failed", "err", err)
				return err
			}
			logger.Info("Relay stopped")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
