package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/mock"
	"github.com/agent-racer/tracewatch/internal/telemetry"
	"github.com/agent-racer/tracewatch/internal/ws"
)

func serveCmd(a *app) *cobra.Command {
	var (
		mockMode bool
		port     int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch trace roots and serve the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port > 0 {
				a.cfg.Server.Port = port
			}
			return a.serve(cmd.Context(), mockMode)
		},
	}
	cmd.Flags().BoolVar(&mockMode, "mock", false, "Index synthetic sessions written to a temp dir")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server port")
	return cmd
}

func (a *app) serve(ctx context.Context, mockMode bool) error {
	cfg, log := a.cfg, a.log

	mp, shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	var gen *mock.Generator
	if mockMode {
		dir, err := os.MkdirTemp("", "tracewatch-mock-")
		if err != nil {
			return fmt.Errorf("create mock root: %w", err)
		}
		defer os.RemoveAll(dir)

		gen = mock.NewGenerator(dir, mock.Options{Logger: log.Named("mock")})
		if err := gen.Start(); err != nil {
			return err
		}
		cfg.Roots = gen.Roots()
		log.Info("starting in mock mode", zap.String("root", dir))
	}

	ix, err := index.New(cfg, index.Options{
		Logger: log,
		Meter:  mp.Meter("github.com/agent-racer/tracewatch/internal/index"),
	})
	if err != nil {
		return err
	}

	b := ws.NewBroadcaster(ix, cfg.Server.MaxConnections, log.Named("ws"))
	defer b.Stop()
	srv := ws.NewServer(cfg.Server, ix, b, log.Named("http"))
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ix.Run(ctx) })
	g.Go(func() error { return ws.ListenAndServe(ctx, addr, srv.Handler(), log.Named("http")) })
	if gen != nil {
		g.Go(func() error { return gen.Run(ctx) })
	}
	return g.Wait()
}
