// Package observability builds the process loggers, metrics and tracer
// shared by the server and worker commands.
package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a development logger for env "development" or "dev"
// and a production logger otherwise.
func NewLogger(env string) (*zap.Logger, error) {
	var config zap.Config

	switch env {
	case "development", "dev", "local":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		config = zap.NewProductionConfig()
	}

	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build()
}
