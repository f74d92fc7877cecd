package cmd

import (
	"github.com/berrythewa/meshplay/internal/config"
	"go.uber.org/zap"
)

// Shared variables across all commands
var (
	cfg       *config.Config
	zapLogger *zap.Logger

	configFile string
	verbose    bool
	quiet      bool
)

// GetConfig returns the configuration loaded for the running command
func GetConfig() *config.Config {
	return cfg
}

// GetZapLogger returns the logger, or a no-op logger before setup
func GetZapLogger() *zap.Logger {
	if zapLogger == nil {
		return zap.NewNop()
	}
	return zapLogger
}
