// Package main implements the session client: it finds a server on the local
// network, keeps a session with it, and searches again whenever the session ends.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lanlink/lanlink/internal/discovery"
	"github.com/lanlink/lanlink/internal/host"
	"github.com/lanlink/lanlink/internal/logging"
	"github.com/lanlink/lanlink/internal/metrics"
	"github.com/lanlink/lanlink/internal/peerid"
	"github.com/lanlink/lanlink/internal/session"
	"github.com/lanlink/lanlink/internal/transport"
	"github.com/lanlink/lanlink/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "lanlink-client",
	Short: "Find a server on the local network and keep a session with it",
	Long: `lanlink-client broadcasts discovery probes until a server answers, connects to
the advertised address with the connection token, and heartbeats while connected.
When the session ends it goes back to searching.

Lines typed on stdin are sent to the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	host.AddFlags(rootCmd)
	rootCmd.Flags().String("identity", "", "Identity presented to the server (default: persisted peer id)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := host.LoadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	identity, _ := cmd.Flags().GetString("identity")
	if identity == "" {
		identity, err = peerid.GetOrCreate()
		if err != nil {
			logger.Warn("could not load peer id", zap.Error(err))
			identity = uuid.New().String()
		}
	}

	reg := host.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}

	discTr := transport.NewNetManager(transport.Options{
		Unconnected: true,
		Logger:      logger.Named("discovery.transport"),
	})
	disc, err := discovery.NewClient(discTr, discovery.ClientOptions{
		Port:       cfg.DiscoveryPort,
		RetryTicks: cfg.RetryTicks,
		Logger:     logger.Named("discovery"),
		Metrics:    rec,
	})
	if err != nil {
		return err
	}

	proto, err := host.SessionProtocol(cfg, logger)
	if err != nil {
		return err
	}
	sessTr := transport.NewNetManager(transport.Options{
		Identity: identity,
		Protocol: proto,
		Logger:   logger.Named("session.transport"),
	})
	var client *session.Client
	client, err = session.NewClient(sessTr, disc, session.ClientHandlerFuncs{
		Connected: func() {
			addr, _ := client.ServerAddress()
			fmt.Println(ui.Notice(fmt.Sprintf("connected to %s as %s", addr, identity)))
		},
		Disconnected: func(info transport.DisconnectInfo) {
			fmt.Println(ui.Notice(fmt.Sprintf("disconnected: %s, searching", info)))
		},
		Message: func(text string) {
			fmt.Println(ui.Message("server", text))
		},
	}, session.ClientOptions{
		Token:          cfg.Token,
		HeartbeatTicks: cfg.HeartbeatTicks,
		Logger:         logger.Named("session"),
		Metrics:        rec,
	})
	if err != nil {
		return err
	}

	if err := client.Start(); err != nil {
		return err
	}
	defer func() {
		if err := client.Stop(); err != nil {
			logger.Warn("failed to stop client", zap.Error(err))
		}
	}()
	fmt.Println(ui.Notice(fmt.Sprintf("searching on port %d", cfg.DiscoveryPort)))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The reader blocks on stdin and is abandoned on shutdown.
	lines := make(chan string)
	go func() {
		if err := host.ReadLines(ctx, os.Stdin, lines); err != nil {
			logger.Warn("stopped reading input", zap.Error(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return host.ServeMetrics(ctx, cfg.MetricsAddr, reg, logger)
		})
	}
	g.Go(func() error {
		return host.Loop(ctx, cfg.PollInterval, lines, client.Poll, func(line string) {
			if err := client.Send(line); err != nil {
				fmt.Println(ui.Failure(err.Error()))
			}
		})
	})
	return g.Wait()
}
