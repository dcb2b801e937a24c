package notify

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/telemetry"
	"transcription-jobs/pkg/backoff"
	"transcription-jobs/pkg/circuitbreaker"
	"transcription-jobs/pkg/cloudevent"
)

const (
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	deliveryDeadline        = 30 * time.Second
)

// ErrBufferFull is returned when the queue is full and the event is dropped.
var ErrBufferFull = errors.New("notification buffer full, event dropped")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("dispatcher is closed")

// DispatcherConfig sizes the delivery pool.
type DispatcherConfig struct {
	Workers    int
	BufferSize int
	Timeout    time.Duration
	Backoff    backoff.Config
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type delivery struct {
	event      *cloudevent.CloudEvent
	target     string
	signingKey string
}

// Dispatcher queues events in a bounded channel and delivers them from a
// worker pool with per-host circuit breakers and exponential retry.
type Dispatcher struct {
	queue    chan delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	cfg      DispatcherConfig
	logger   logrus.FieldLogger

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewDispatcher starts the worker pool.
func NewDispatcher(cfg DispatcherConfig, logger logrus.FieldLogger) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		queue:  make(chan delivery, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.Timeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		cfg:      cfg,
		logger:   logger.WithField("component", "notify-dispatcher"),
		shutdown: make(chan struct{}),
	}
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Dispatch queues an event without blocking.
func (d *Dispatcher) Dispatch(target string, event *cloudevent.CloudEvent, signingKey string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.queue <- delivery{event: event, target: target, signingKey: signingKey}:
		telemetry.NotifyQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.dropped.Add(1)
		telemetry.Notifications.WithLabelValues("webhook", "dropped").Inc()
		d.logger.WithFields(logrus.Fields{
			"destination": hostOf(target),
			"type":        event.Type,
		}).Warn("notification dropped, buffer full")
		return ErrBufferFull
	}
}

// Delivered returns how many events were accepted by their receiver.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Failed returns how many events exhausted their retries.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Close stops accepting events and drains the queue until ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.WithFields(logrus.Fields{
			"delivered": d.delivered.Load(),
			"failed":    d.failed.Load(),
			"dropped":   d.dropped.Load(),
		}).Info("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.WithField("remaining", len(d.queue)).Warn("notification dispatcher shutdown timed out")
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.shutdown:
			d.drain()
			return
		case item := <-d.queue:
			d.deliver(item)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(item delivery) {
	telemetry.NotifyQueueDepth.Set(float64(len(d.queue)))
	host := hostOf(item.target)
	log := d.logger.WithFields(logrus.Fields{
		"destination": host,
		"type":        item.event.Type,
		"job_id":      item.event.Subject,
	})
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.dropped.Add(1)
		telemetry.Notifications.WithLabelValues("webhook", "dropped").Inc()
		log.Warn("notification dropped, circuit open")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryDeadline)
	defer cancel()
	if err := d.sendWithRetry(ctx, item); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		telemetry.Notifications.WithLabelValues("webhook", "failed").Inc()
		log.WithError(err).Warn("notification delivery failed")
		return
	}
	breaker.RecordSuccess()
	d.delivered.Add(1)
	telemetry.Notifications.WithLabelValues("webhook", "delivered").Inc()
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, item delivery) error {
	var lastErr error
	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, &d.cfg.Backoff)):
			}
		}
		lastErr = d.sender.Send(ctx, item.target, item.event, item.signingKey)
		if lastErr == nil || cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
