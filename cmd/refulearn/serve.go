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

	refulearn "github.com/RefuLearn/refulearn/sdk/golang"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultBridgeAddr = "127.0.0.1:7420"

var (
	serveAddr     string
	serveSecret   string
	serveRealtime bool
	serveCourses  []string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default "+defaultBridgeAddr+")")
	serveCmd.Flags().StringVar(&serveSecret, "secret", "", "Require this value in the "+refulearn.BridgeTokenHeader+" header")
	serveCmd.Flags().BoolVar(&serveRealtime, "realtime", false, "Follow connectivity and pushed progress over the realtime channel")
	serveCmd.Flags().StringSliceVar(&serveCourses, "course", nil, "Course to subscribe to for progress pushes (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local bridge for the app",
	Long: "Serve the offline manager over loopback HTTP so the app can read the cache, submit mutations\n" +
		"and report connectivity. Stops on SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		addr := valueOrDefault(serveAddr, valueOrDefault(s.file.Bridge.Addr, defaultBridgeAddr))
		secret := valueOrDefault(serveSecret, s.file.Bridge.Secret)

		if serveRealtime {
			rt := refulearn.NewRealtimeClient(s.cfg.BaseURL, &refulearn.RealtimeConfig{
				Token:                s.cfg.Token,
				AutoReconnect:        true,
				MaxReconnectAttempts: -1,
				Logger:               s.logger,
			})
			s.manager.AttachRealtime(rt)
			if err := rt.Connect(ctx); err != nil {
				s.logger.Warn("realtime unavailable, starting offline", zap.Error(err))
				s.manager.SetOnline(false)
			} else {
				for _, id := range serveCourses {
					if err := rt.Subscribe(ctx, id); err != nil {
						s.logger.Warn("subscribe", zap.String("courseID", id), zap.Error(err))
					}
				}
			}
			defer rt.Disconnect()
		}

		bridge := refulearn.NewBridge(s.manager, refulearn.WithBridgeSecret(secret))
		srv := &http.Server{
			Addr:              addr,
			Handler:           bridge.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			s.logger.Info("bridge listening", zap.String("addr", addr), zap.Bool("secured", secret != ""))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("bridge: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown bridge: %w", err)
		}
		s.logger.Info("bridge stopped")
		return nil
	},
}
