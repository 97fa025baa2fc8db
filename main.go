package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jape-engine/japenet/internal/metrics"
	netmanager "github.com/jape-engine/japenet/internal/netManager"
	statusapi "github.com/jape-engine/japenet/internal/statusApi"
	"github.com/jape-engine/japenet/internal/world"
)

func newZap(logPath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if logPath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}
	return cfg.Build() //nolint:wrapcheck
}

type options struct {
	settings netmanager.Settings
	logPath  string
	scenes   []string
	prefabs  []string
}

func main() {
	opts := &options{settings: netmanager.DefaultSettings()}

	rootCmd := &cobra.Command{
		Use:           "japenet",
		Short:         "Networked object synchronization server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	s := &opts.settings
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&s.TCPAddr, "tcp", s.TCPAddr, "TCP address")
	flags.StringVar(&s.UDPAddr, "udp", s.UDPAddr, "UDP address")
	flags.StringVar(&s.WSAddr, "ws", "", "WebSocket address for custom mode clients")
	flags.StringVar(&s.StatusAddr, "status", "", "Serve /status, /instances and /metrics on this address")
	flags.IntVar(&s.TickRate, "tick-rate", s.TickRate, "Ticks per second")
	flags.DurationVar(&s.PingInterval, "ping-interval", s.PingInterval, "Interval between pings")
	flags.DurationVar(&s.PingTimeout, "ping-timeout", s.PingTimeout, "Disconnect peers silent for this long")
	flags.StringVar(&opts.logPath, "log-path", "", "Write logs to this file")
	flags.StringSliceVar(&opts.scenes, "scene", []string{"main"}, "Build scenes, the first one is loaded")
	flags.StringSliceVar(&opts.prefabs, "prefab", nil, "Prefabs that can be spawned")

	rootCmd.AddCommand(serverCmd(opts), clientCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serverCmd(opts *options) *cobra.Command {
	s := &opts.settings
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a headless server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.IsServer = true
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&s.MaxClients, "max-clients", s.MaxClients, "Maximum number of connected clients")
	cmd.Flags().DurationVar(&s.VerifyTimeout, "verify-timeout", s.VerifyTimeout, "Drop clients that do not finish the handshake in time")
	cmd.Flags().BoolVar(&s.ServerBuild, "server-build", false, "Report lifecycle events to the master")
	cmd.Flags().StringVar(&s.MasterURL, "master-url", "", "Base URL of the orchestration master")
	cmd.Flags().StringVar(&s.ServerName, "name", s.ServerName, "Server name reported to the master")
	return cmd
}

func clientCmd(opts *options) *cobra.Command {
	s := &opts.settings
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect a headless client that mirrors the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.IsServer = false
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&s.CustomMode, "custom-mode", false, "Connect over WebSocket without UDP")
	cmd.Flags().DurationVar(&s.ConnectTimeout, "connect-timeout", s.ConnectTimeout, "Give up when the handshake takes longer")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	zapLog, err := newZap(opts.logPath)
	if err != nil {
		log.Panic(err)
	}
	defer zapLog.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLog)

	if opts.settings.ServerBuild && opts.settings.ServerName == "" {
		err := fmt.Errorf("name required")
		logger.Error(err, "server name not set")
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	w := world.NewMemory(opts.scenes...)
	w.AddPrefab(opts.prefabs...)
	mgr := netmanager.New(opts.settings, w, logger, m)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	mgr.Subscribe(func(ev netmanager.Event) {
		logger.V(1).Info("lifecycle", "event", ev.Kind.String(), "player", ev.Player)
	})

	if addr := opts.settings.StatusAddr; addr != "" {
		if err := serveStatus(ctx, addr, mgr, reg, logger); err != nil {
			return err
		}
	}

	err = mgr.Connect(ctx,
		func() { logger.Info("online", "mode", mgr.Mode().String()) },
		func(err error) { cancel(err) },
	)
	if err != nil {
		return err
	}
	fmt.Println("successfully finished startup")

	_ = mgr.Run(ctx)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func serveStatus(ctx context.Context, addr string, mgr *netmanager.Manager, reg *prometheus.Registry, logger logr.Logger) error {
	srv, err := statusapi.Listen(addr, statusapi.NewRouter(mgr, reg, logger), logger)
	if err != nil {
		return fmt.Errorf("status api: %w", err)
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Error(err, "status api stopped")
		}
	}()
	return nil
}
