package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLocationUnavailable is reported when no position arrives within AcquireTimeout.
var ErrLocationUnavailable = errors.New("location unavailable")

type PublisherConfig struct {
	Cadence        time.Duration
	AcquireTimeout time.Duration
}

var DefaultPublisherConfig = PublisherConfig{Cadence: 3 * time.Second, AcquireTimeout: 10 * time.Second}

// Publisher samples a Source and emits fixes at most once per Cadence. Between emissions
// only the latest sample is kept.
type Publisher struct {
	cfg    PublisherConfig
	fixes  chan Sample
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// StartPublisher begins watching source. Stop must be called to release it.
func StartPublisher(ctx context.Context, source Source, cfg PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultPublisherConfig.Cadence
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultPublisherConfig.AcquireTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	samples, release, err := source.Watch(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	p := &Publisher{
		cfg:    cfg,
		fixes:  make(chan Sample, 1),
		errs:   make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.Named("location.publisher"),
	}
	go p.run(ctx, samples, release)
	return p, nil
}

// Fixes delivers throttled samples; it is closed after Stop.
func (p *Publisher) Fixes() <-chan Sample { return p.fixes }

// Errors reports ErrLocationUnavailable. Sampling continues after a report.
func (p *Publisher) Errors() <-chan error { return p.errs }

// Stop releases the source and waits for the sampling goroutine to exit.
func (p *Publisher) Stop() {
	p.once.Do(func() {
		p.cancel()
		<-p.done
	})
}

func (p *Publisher) run(ctx context.Context, samples <-chan Sample, release func()) {
	defer close(p.done)
	defer close(p.fixes)
	defer release()

	acquire := time.NewTimer(p.cfg.AcquireTimeout)
	defer acquire.Stop()
	acquiring := acquire.C

	var (
		pending  *Sample
		throttle <-chan time.Time
		timer    *time.Timer
	)
	emit := func(s Sample) {
		offerLatest(p.fixes, s)
		timer = time.NewTimer(p.cfg.Cadence)
		throttle = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				samples = nil
				p.report("position source closed")
				continue
			}
			if err := s.Point.Validate(); err != nil {
				p.logger.Debug("dropping invalid sample", zap.Error(err))
				continue
			}
			if acquiring != nil {
				acquire.Stop()
				acquiring = nil
			}
			if throttle == nil {
				emit(s)
				continue
			}
			if pending == nil || !s.CapturedAt.Before(pending.CapturedAt) {
				latest := s
				pending = &latest
			}
		case <-throttle:
			throttle = nil
			if pending != nil {
				emit(*pending)
				pending = nil
			}
		case <-acquiring:
			acquiring = nil
			p.report("no position within acquire timeout")
		}
	}
}

func (p *Publisher) report(reason string) {
	p.logger.Warn(reason, zap.Duration("acquire_timeout", p.cfg.AcquireTimeout))
	offerLatest(p.errs, ErrLocationUnavailable)
}
