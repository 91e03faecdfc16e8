package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/delcom/broker/internal/config"
	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/api"
	"github.com/delcom/broker/pkg/broker"
	brokergrpc "github.com/delcom/broker/pkg/grpc"
)

// Version is the broker version, overridden at build time
var Version = "0.1.0"

var (
	// CLI flags
	cfgFile   string
	logLevel  string
	logFormat string
	logOutput string
	host      string
	port      int
	httpPort  int

	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "delcom-broker",
	Short: "Delegated compilation broker",
	Long: `delcom-broker pairs delegator nodes with worker nodes and relays job traffic
between them. Nodes connect over a single bidirectional gRPC stream; the broker
assigns short node ids, tracks roles and capabilities, and forwards files and
output between the two ends of a job.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker (default)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()
	rootLog.Info("Starting broker", "version", Version, "config", cfg.String())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := broker.New(cfg.Broker, rootLog)

	srv, err := brokergrpc.NewServer(brokergrpc.ServerConfig{
		Address:          cfg.ListenAddress(),
		MaxRecvMsgSize:   cfg.Server.MaxRecvMsgSize,
		MaxSendMsgSize:   cfg.Server.MaxSendMsgSize,
		KeepaliveTime:    cfg.Server.KeepaliveTime,
		KeepaliveTimeout: cfg.Server.KeepaliveTimeout,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
		OutboundBuffer:   cfg.Server.OutboundBuffer,
	}, b, rootLog)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	var httpSrv *api.Server
	if cfg.HTTP.Enabled {
		httpSrv = api.NewServer(cfg.HTTP, b, rootLog)
		if err := httpSrv.Start(); err != nil {
			_ = srv.Stop()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		rootLog.Info("Shutting down broker")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+time.Second)
		defer cancel()

		if httpSrv != nil {
			httpSrv.Drain()
		}
		if err := srv.Stop(); err != nil {
			rootLog.Warn("gRPC server stop failed", "error", err)
		}
		if err := b.Close(); err != nil {
			rootLog.Warn("Broker close failed", "error", err)
		}
		if httpSrv != nil {
			if err := httpSrv.Stop(shutdownCtx); err != nil {
				rootLog.Warn("HTTP server stop failed", "error", err)
			}
		}
		return nil
	})

	rootLog.Info("Broker is running. Press Ctrl+C to stop.", "listen_address", srv.Addr())
	if err := g.Wait(); err != nil {
		return err
	}
	rootLog.Info("Broker shutdown complete", "stats", b.Stats().String())
	return nil
}

// initLogger initializes the global logger from the loaded configuration
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration file and environment, then applies CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		Host:      host,
		Port:      port,
		HTTPPort:  httpPort,
		LogLevel:  logLevel,
		LogFormat: logFormat,
		LogOutput: logOutput,
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/delcom/broker.yaml if present)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Listener flags
	rootCmd.Flags().StringVar(&host, "host", "", "Broker listen host")
	rootCmd.Flags().IntVar(&port, "port", 0, "Broker listen port")
	rootCmd.Flags().IntVar(&httpPort, "http-port", 0, "Health endpoint port")
	serveCmd.Flags().AddFlagSet(rootCmd.Flags())

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workersCmd)
}
