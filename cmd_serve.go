package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"caiyun/src/bridge"
	"caiyun/src/logging"
	"caiyun/src/orchestrator"
	"caiyun/src/telemetry"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var noBridge bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the weather tool server and the REST bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context(), !noBridge)
		},
	}
	cmd.Flags().BoolVar(&noBridge, "no-bridge", false, "run only the tool server")
	return cmd
}

func (a *app) serve(ctx context.Context, withBridge bool) error {
	if !a.cfg.HasWeatherToken() {
		a.logger.Warn("weather api token is not set, tool calls will fail")
	}
	if err := a.server.Start(); err != nil {
		return err
	}
	a.logger.Info("tool server listening", "url", a.server.URL(), "tools", len(a.registry.List()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Stop(stopCtx)
	})

	if withBridge {
		svc := bridge.NewService(a.orch, a.client, a.server.URL(), a.mode, logging.ForComponent("bridge"))
		svc.OnFailure = func(err error, location string, mode orchestrator.Mode) {
			telemetry.CaptureError(err, map[string]string{"location": location, "mode": mode.String()})
		}
		httpServer := &http.Server{
			Addr:              a.cfg.Bridge.Addr,
			Handler:           svc.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("rest bridge listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(stopCtx)
		})
	}

	err := g.Wait()
	a.logger.Info("shut down")
	return err
}
