// Package logging builds the zap logger shared by a host's components
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapgrpc"
	"google.golang.org/grpc/grpclog"

	"github.com/lanlink/lanlink/internal/ui"
)

// New returns a logger at level ("debug", "info", "warn", "error") writing to
// stderr. Output is human readable on a terminal and JSON otherwise.
func New(level string) (*zap.Logger, error) {
	return build(level, ui.Detect(os.Stderr))
}

func build(level string, style ui.Style) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if style.Terminal() {
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !style.Colored() {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	// Host stdout carries session messages.
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// RouteGRPC sends the gRPC library's logs to logger, keeping warnings and
// above. Call it before any gRPC client or server is created.
func RouteGRPC(logger *zap.Logger) {
	grpclog.SetLoggerV2(grpcLogger(logger))
}

func grpcLogger(logger *zap.Logger) *zapgrpc.Logger {
	return zapgrpc.NewLogger(logger.Named("grpc").WithOptions(zap.IncreaseLevel(zapcore.WarnLevel)))
}
