// Package main implements the session server: it answers discovery probes and
// hosts token-gated sessions for clients on the local network.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lanlink/lanlink/internal/config"
	"github.com/lanlink/lanlink/internal/discovery"
	"github.com/lanlink/lanlink/internal/host"
	"github.com/lanlink/lanlink/internal/logging"
	"github.com/lanlink/lanlink/internal/metrics"
	"github.com/lanlink/lanlink/internal/session"
	"github.com/lanlink/lanlink/internal/transport"
	"github.com/lanlink/lanlink/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "lanlink-server",
	Short: "Answer discovery probes and host client sessions",
	Long: `lanlink-server listens for discovery probes on the discovery port, answers them
with its session address, and admits up to --max-peers clients presenting the
connection token.

Lines typed on stdin are sent to every connected client. "/peers" lists the
sessions and "/stats" prints admission counters.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	d := config.Default()
	host.AddFlags(rootCmd)
	rootCmd.Flags().String("bind", d.BindAddress, "IPv4 address to bind (default: all interfaces)")
	rootCmd.Flags().Int("port", d.SessionPort, "TCP port for sessions")
	rootCmd.Flags().Int("max-peers", d.MaxPeers, "Maximum concurrent sessions")
	rootCmd.Flags().Bool("relay", false, "Re-send every client message to all clients")
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

	reg := host.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}

	discTr := transport.NewNetManager(transport.Options{
		Unconnected: true,
		Logger:      logger.Named("discovery.transport"),
	})
	responder := discovery.NewServer(discTr, discovery.ServerOptions{
		Logger:  logger.Named("discovery"),
		Metrics: rec,
	})

	proto, err := host.SessionProtocol(cfg, logger)
	if err != nil {
		return err
	}
	sessTr := transport.NewNetManager(transport.Options{
		AcceptConnections: true,
		Protocol:          proto,
		Logger:            logger.Named("session.transport"),
	})
	out := &console{relay: cfg.Relay, logger: logger}
	srv, err := session.NewServer(sessTr, responder, out, session.ServerOptions{
		Token:    cfg.Token,
		MaxPeers: cfg.MaxPeers,
		Logger:   logger.Named("session"),
		Metrics:  rec,
	})
	if err != nil {
		return err
	}
	out.server = srv

	if err := srv.Start(cfg.BindAddress, cfg.SessionPort, cfg.DiscoveryPort); err != nil {
		return err
	}
	defer func() {
		if err := srv.Stop(); err != nil {
			logger.Warn("failed to stop server", zap.Error(err))
		}
	}()
	fmt.Println(ui.Notice(fmt.Sprintf("listening on %s (%s), discovery on port %d", srv.Advertised(), proto, cfg.DiscoveryPort)))

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
		return host.Loop(ctx, cfg.PollInterval, lines, srv.Poll, out.command)
	})
	return g.Wait()
}

// console prints session traffic and turns operator input into broadcasts
type console struct {
	server *session.Server
	relay  bool
	logger *zap.Logger
}

func (c *console) OnMessage(peer *session.PeerSession, text string) {
	fmt.Println(ui.Message(peer.String(), text))
	if !c.relay {
		return
	}
	if err := c.server.SendToAll(text); err != nil {
		c.logger.Warn("failed to relay message", zap.Stringer("from", peer), zap.Error(err))
	}
}

func (c *console) OnPeerConnected(peer *session.PeerSession) {
	fmt.Println(ui.Notice(fmt.Sprintf("%s joined (%d connected)", peer, c.server.Stats().Active)))
}

func (c *console) OnPeerDisconnected(peer *session.PeerSession, info transport.DisconnectInfo) {
	fmt.Println(ui.Notice(fmt.Sprintf("%s left: %s", peer, info)))
}

func (c *console) command(line string) {
	switch strings.TrimSpace(line) {
	case "/peers":
		c.printPeers()
	case "/stats":
		s := c.server.Stats()
		fmt.Println(ui.Notice(fmt.Sprintf("active=%d accepted=%d rejected_capacity=%d rejected_token=%d",
			s.Active, s.Accepted, s.RejectedCapacity, s.RejectedToken)))
	default:
		if err := c.server.SendToAll(line); err != nil {
			fmt.Println(ui.Failure(err.Error()))
		}
	}
}

func (c *console) printPeers() {
	peers := c.server.Peers()
	if len(peers) == 0 {
		fmt.Println(ui.Notice("no sessions"))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tADDRESS\tIDENTITY\tCONNECTED")
	for _, p := range peers {
		connected := "pending"
		if p.Connected() {
			connected = time.Since(p.ConnectedAt).Truncate(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.RemoteAddr, p.Identity, connected)
	}
	w.Flush()
}
