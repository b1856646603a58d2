package main

import (
	"github.com/septivank/gas-metering-client/internal/config"
	"github.com/septivank/gas-metering-client/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
