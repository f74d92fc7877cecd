package cmd

import (
	"fmt"

	"github.com/berrythewa/meshplay/internal/common"
	"github.com/berrythewa/meshplay/internal/config"
	"go.uber.org/zap"
)

// SetupLogger builds the logger from the config, with --verbose and
// --quiet taking precedence over log.level
func SetupLogger(c *config.Config) (*zap.Logger, error) {
	switch {
	case verbose:
		c.Log.Level = "debug"
	case quiet:
		c.Log.Level = "warn"
	}

	logger, err := common.NewLogger(c)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return logger, nil
}
