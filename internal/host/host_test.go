package host

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lanlink/lanlink/internal/config"
	"github.com/lanlink/lanlink/internal/transport"
)

func newCommand(server bool) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	AddFlags(cmd)
	if server {
		cmd.Flags().String("bind", "", "")
		cmd.Flags().Int("port", config.DefaultSessionPort, "")
		cmd.Flags().Int("max-peers", config.DefaultMaxPeers, "")
		cmd.Flags().Bool("relay", false, "")
	}
	return cmd
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.Default()
	cfg.Token = "from-file"
	cfg.MaxPeers = 4
	require.NoError(t, cfg.Save(path))

	cmd := newCommand(true)
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path,
		"--max-peers", "2",
		"--relay",
		"--poll-interval", "50ms",
		"--session-transport", "grpc",
	}))

	loaded, err := LoadConfig(cmd)
	require.NoError(t, err)
	require.Equal(t, "from-file", loaded.Token)
	require.Equal(t, 2, loaded.MaxPeers)
	require.True(t, loaded.Relay)
	require.Equal(t, 50*time.Millisecond, loaded.PollInterval)

	proto, err := SessionProtocol(loaded, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, transport.ProtocolGRPC, proto)
}

func TestLoadConfigRejectsInvalidFlags(t *testing.T) {
	cmd := newCommand(false)
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
		"--heartbeat-ticks", "0",
	}))
	_, err := LoadConfig(cmd)
	require.ErrorContains(t, err, "heartbeat_ticks")
}

func TestLoadConfigRejectsUnknownTransport(t *testing.T) {
	cmd := newCommand(false)
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
		"--session-transport", "quic",
	}))
	_, err := LoadConfig(cmd)
	require.ErrorContains(t, err, "session_transport")
}

func TestLoadConfigSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cmd := newCommand(false)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--token", "saved", "--save-config"}))

	_, err := LoadConfig(cmd)
	require.NoError(t, err)

	saved, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "saved", saved.Token)
}

func TestReadLines(t *testing.T) {
	out := make(chan string, 10)
	err := ReadLines(context.Background(), strings.NewReader("hello\r\n\n   \nworld\n"), out)
	require.NoError(t, err)

	var lines []string
	for line := range out {
		lines = append(lines, line)
	}
	require.Equal(t, []string{"hello", "world"}, lines)
}

func TestLoopPollsAndDeliversInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	input := make(chan string, 1)
	input <- "hello"
	close(input)

	polls := 0
	var lines []string
	done := make(chan error, 1)
	go func() {
		done <- Loop(ctx, time.Millisecond, input, func() {
			polls++
			if polls == 5 {
				cancel()
			}
		}, func(line string) { lines = append(lines, line) })
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	require.GreaterOrEqual(t, polls, 5)
	require.Equal(t, []string{"hello"}, lines)
}
