// Package host holds the plumbing shared by the client and server processes:
// configuration flags, the fixed-interval poll loop, operator input and the
// metrics endpoint. Every state machine call happens on the poll loop goroutine.
package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lanlink/lanlink/internal/config"
	"github.com/lanlink/lanlink/internal/logging"
	"github.com/lanlink/lanlink/internal/transport"
)

// AddFlags registers the configuration flags on cmd. Flags that are set override
// the config file.
func AddFlags(cmd *cobra.Command) {
	d := config.Default()
	f := cmd.Flags()
	f.String("config", "", "Config file (default: ~/.lanlink/config.yaml)")
	f.Int("discovery-port", d.DiscoveryPort, "UDP port for discovery probes")
	f.String("token", d.Token, "Shared connection key")
	f.String("session-transport", d.SessionTransport, "Session transport: websocket or grpc")
	f.Int("retry-ticks", d.RetryTicks, "Polls between discovery probes")
	f.Int("heartbeat-ticks", d.HeartbeatTicks, "Polls between heartbeats")
	f.Duration("poll-interval", d.PollInterval, "Time between polls")
	f.String("metrics-addr", "", "Serve prometheus metrics on this address")
	f.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	f.Bool("save-config", false, "Write the effective configuration back to the config file")
}

// LoadConfig reads the config file named by --config and applies every flag the
// user set on top of it.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	var errs []error
	setInt := func(name string, dst *int) {
		if f.Changed(name) {
			v, err := f.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	setString := func(name string, dst *string) {
		if f.Changed(name) {
			v, err := f.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if f.Changed(name) {
			v, err := f.GetBool(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	setInt("discovery-port", &cfg.DiscoveryPort)
	setString("token", &cfg.Token)
	setString("session-transport", &cfg.SessionTransport)
	setInt("retry-ticks", &cfg.RetryTicks)
	setInt("heartbeat-ticks", &cfg.HeartbeatTicks)
	setString("metrics-addr", &cfg.MetricsAddr)
	setString("log-level", &cfg.LogLevel)
	if f.Changed("poll-interval") {
		v, err := f.GetDuration("poll-interval")
		errs = append(errs, err)
		cfg.PollInterval = v
	}

	// Server-only flags are registered by the server command.
	if f.Lookup("bind") != nil {
		setString("bind", &cfg.BindAddress)
		setInt("port", &cfg.SessionPort)
		setInt("max-peers", &cfg.MaxPeers)
		setBool("relay", &cfg.Relay)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if save, _ := f.GetBool("save-config"); save {
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// SessionProtocol returns the session transport named by cfg. gRPC logs are
// routed to logger when gRPC is selected.
func SessionProtocol(cfg *config.Config, logger *zap.Logger) (transport.Protocol, error) {
	proto, err := transport.ParseProtocol(cfg.SessionTransport)
	if err != nil {
		return "", err
	}
	if proto == transport.ProtocolGRPC {
		logging.RouteGRPC(logger)
	}
	return proto, nil
}

// Loop calls poll every interval until ctx is done. Lines received on input are
// handed to onLine between polls, on the same goroutine.
func Loop(ctx context.Context, interval time.Duration, input <-chan string, poll func(), onLine func(string)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		case line, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			onLine(line)
		}
	}
}

// ReadLines sends each non-blank line of r to out until r is exhausted or ctx is
// done, then closes out.
func ReadLines(ctx context.Context, r io.Reader, out chan<- string) error {
	defer close(out)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

// NewRegistry returns a prometheus registry with the process and Go collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg
}

// ServeMetrics serves reg on addr at /metrics until ctx is done
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
