package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"packline.ai/internal/config"
	"packline.ai/internal/sim"
	"packline.ai/internal/sim/simtest"
	"packline.ai/internal/transport/ws"
)

type serveOptions struct {
	Config    string
	Listen    string
	Scene     string
	BeltSpeed float64
	Tick      time.Duration
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{
		Config:    "configs/packer.yaml",
		Scene:     "conveyor",
		BeltSpeed: simtest.DefaultConfig().BeltSpeed,
		Tick:      10 * time.Millisecond,
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory conveyor scene over the simulation protocol",
		Long: `Serve an in-memory conveyor scene over the simulation protocol.

The scene has the stock object names, a belt that carries loose boxes to
the pick sensor, and enough physics for a full packing run. Point
"packer run" at it to exercise the pipeline without a simulator.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Config, "config", "c", opts.Config, "packer config; its connection section sets the listen address and path")
	f.StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	f.StringVar(&opts.Scene, "scene", opts.Scene, "scene name reported in the handshake")
	f.Float64Var(&opts.BeltSpeed, "belt-speed", opts.BeltSpeed, "belt speed in units per second")
	f.DurationVar(&opts.Tick, "tick", opts.Tick, "physics step")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, opts serveOptions) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return &exitError{Code: exitConfig, Err: err}
	}
	if opts.Tick <= 0 || opts.BeltSpeed <= 0 {
		return &exitError{Code: exitConfig, Err: fmt.Errorf("tick and belt-speed must be positive")}
	}
	listen := strings.TrimSpace(opts.Listen)
	if listen == "" {
		listen = cfg.Addr()
	}
	logger := newLogger(cmd.OutOrStdout(), "serve")

	sc := simtest.DefaultConfig()
	sc.Name = opts.Scene
	sc.BeltSpeed = opts.BeltSpeed
	sc.BeltY = cfg.Conveyor.Spawn[1]
	sc.CurrentSensor.Y = sc.BeltY
	sc.PreviewSensor.Y = sc.BeltY
	scene := simtest.NewScene(sc)
	scene.OnCreate(func(h sim.Handle) { logger.Printf("shape %d spawned", h) })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go scene.Run(ctx, opts.Tick)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc(cfg.Connection.Path, ws.NewServer(scene, sc.Name, logger).Handler())

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("scene %q listening on %s%s", sc.Name, ln.Addr(), cfg.Connection.Path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
