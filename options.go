package readmux

import (
	"github.com/joeycumines/logiface"

	islog "github.com/joeycumines/logiface-slog"
)

// config holds resolved construction-time configuration for a Multiplexer.
type config struct {
	logger *logiface.Logger[*islog.Event]
}

// Option configures a Multiplexer at construction time.
type Option interface {
	applyMultiplexer(*config) error
}

type optionFunc func(*config) error

func (f optionFunc) applyMultiplexer(c *config) error { return f(c) }

// WithLogger overrides the default stderr JSON logger with l. A nil l
// disables logging entirely.
func WithLogger(l *logiface.Logger[*islog.Event]) Option {
	return optionFunc(func(c *config) error {
		c.logger = l
		return nil
	})
}

// resolveOptions applies opts over the default config.
func resolveOptions(opts []Option) (*config, error) {
	c := &config{logger: defaultLogger()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyMultiplexer(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}
