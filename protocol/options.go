package protocol

import (
	"time"

	"go.uber.org/zap"

	"github.com/machinefabric/streamwire-go/logging"
	"github.com/machinefabric/streamwire-go/wire"
)

type settings struct {
	logger         *zap.Logger
	limits         wire.Limits
	requestTimeout time.Duration
	sendQueue      int
}

func defaultSettings() settings {
	cfg := wire.DefaultConfig()
	return settings{
		logger:    zap.NewNop(),
		limits:    cfg.Limits,
		sendQueue: cfg.SendQueue,
	}
}

// Option configures an Adapter.
type Option func(*settings)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		s.logger = logging.OrNop(l)
	}
}

// WithLimits sets the frame and write size limits.
func WithLimits(l wire.Limits) Option {
	return func(s *settings) {
		s.limits = l
	}
}

// WithRequestTimeout bounds how long SendRequest waits for a response when
// the caller's context has no earlier deadline. Zero waits for the context.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.requestTimeout = d
	}
}

// WithConfig applies a loaded configuration. The logger is built from
// cfg.LogLevel and writes to stderr; a later WithLogger replaces it.
func WithConfig(cfg wire.Config) Option {
	return func(s *settings) {
		s.limits = cfg.Limits
		s.requestTimeout = cfg.RequestTimeout.Duration
		if cfg.SendQueue > 0 {
			s.sendQueue = cfg.SendQueue
		}
		s.logger = logging.NewStderr(cfg.LogLevel)
	}
}
