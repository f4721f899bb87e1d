package rxloop

import (
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/logiface"
)

// options holds resolved configuration shared by [NewLoop] and [NewBridge].
// Each constructor reads the fields relevant to it and ignores the rest.
type options struct {
	logger  *logiface.Logger[logiface.Event]
	metrics *Metrics
	clock   clock.Clock
}

// Option configures a [Loop] or a [Bridge].
type Option interface {
	apply(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithLogger attaches a logger. The bridge logs stale slot releases and
// dropped posts; the default host loop logs lifecycle transitions and
// recovered task panics. A nil logger (the default) is silent: logiface
// builders are nil-receiver safe, so logging call sites cost a branch.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics attaches a metrics accumulator. Pass the same *Metrics to a
// loop and the bridge built over it to aggregate both sides in one place.
// Nil (the default) disables collection.
func WithMetrics(m *Metrics) Option {
	return &optionImpl{func(opts *options) error {
		opts.metrics = m
		return nil
	}}
}

// WithClock sets the time source used by the default host loop for timer
// deadlines, sleeps, and Now. Defaults to the wall clock; tests substitute
// clock.NewMock to drive timers deterministically.
//
// Only the default host consumes this option; a Bridge over a custom Host
// uses the host's own clock via Host.Now.
func WithClock(c clock.Clock) Option {
	return &optionImpl{func(opts *options) error {
		if c == nil {
			return errors.New("rxloop: nil clock")
		}
		opts.clock = c
		return nil
	}}
}

// resolveOptions applies opts over defaults. Nil options are skipped.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		clock: clock.New(), // default: wall clock
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
