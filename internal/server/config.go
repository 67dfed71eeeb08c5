// Package server provides the runtime options of the realtime server and
// the defaults applied when they are left unset.
package server

import (
	"time"

	"github.com/Tyrowin/gochat-dm/internal/config"
)

const (
	defaultMaxMessageSize   = 64 * 1024
	defaultOperationTimeout = 5 * time.Second
	defaultSendBufferSize   = 256
)

// Options holds the settings the realtime layer needs.
type Options struct {
	AllowedOrigins   []string
	MaxMessageSize   int64
	OperationTimeout time.Duration
	SendBufferSize   int
}

// DefaultOptions returns Options that accept any origin.
func DefaultOptions() Options {
	return Options{
		AllowedOrigins:   []string{"*"},
		MaxMessageSize:   defaultMaxMessageSize,
		OperationTimeout: defaultOperationTimeout,
		SendBufferSize:   defaultSendBufferSize,
	}
}

// OptionsFromConfig maps process configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		AllowedOrigins:   append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize:   cfg.MaxMessageSize,
		OperationTimeout: cfg.OperationTimeout,
		SendBufferSize:   defaultSendBufferSize,
	}
}

func sanitizeOptions(opts Options) Options {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaultSendBufferSize
	}
	opts.AllowedOrigins = append([]string(nil), opts.AllowedOrigins...)
	return opts
}
