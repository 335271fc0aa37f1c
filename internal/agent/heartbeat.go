package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ofkm/agenthost/pkg/types"
)

const (
	requestTimeout    = 30 * time.Second
	minServerInterval = 30 * time.Second
	maxJitter         = 5 * time.Second
	minDelay          = 5 * time.Second
)

// ErrUnauthorized means the control plane rejected the API key. The engine
// does not recover from it.
var ErrUnauthorized = errors.New("control plane rejected credentials")

type EngineState int32

const (
	StateRunning EngineState = iota
	StateStopped
)

func (s EngineState) String() string {
	if s == StateStopped {
		return "STOPPED"
	}
	return "RUNNING"
}

// MetricsSource produces one host sample per cycle.
type MetricsSource interface {
	Collect(ctx context.Context) types.HostMetrics
}

// MessageDispatcher takes inbound messages without blocking the engine.
type MessageDispatcher interface {
	Dispatch(messages []types.IncomingMessage)
	InFlight() int
}

type EngineOptions struct {
	HostID  string
	Version string
	// Interval is used when the server suggests none.
	Interval time.Duration
}

// Engine runs report cycles one at a time on a single goroutine.
type Engine struct {
	metrics    MetricsSource
	transport  Transport
	dispatcher MessageDispatcher
	replies    *ReplyQueue
	opts       EngineOptions
	log        logrus.FieldLogger
	backoff    *Backoff
	startTime  time.Time

	jitter func() time.Duration
	after  func(time.Duration) <-chan time.Time

	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	state  EngineState
	status types.EngineStatus
}

func NewEngine(metrics MetricsSource, transport Transport, dispatcher MessageDispatcher, replies *ReplyQueue, opts EngineOptions, log logrus.FieldLogger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	return &Engine{
		metrics:    metrics,
		transport:  transport,
		dispatcher: dispatcher,
		replies:    replies,
		opts:       opts,
		log:        log.WithField("component", "heartbeat"),
		backoff:    NewBackoff(),
		startTime:  time.Now(),
		jitter:     randomJitter,
		after:      time.After,
		stop:       make(chan struct{}),
		status: types.EngineStatus{
			HostID:    opts.HostID,
			Version:   opts.Version,
			BackoffMs: initialBackoff.Milliseconds(),
		},
	}
}

// Run drives cycles until the engine stops or ctx is done. The first cycle
// starts immediately. It returns ErrUnauthorized when credentials are
// rejected and nil otherwise.
func (e *Engine) Run(ctx context.Context) error {
	e.log.WithFields(logrus.Fields{
		"host_id":  e.opts.HostID,
		"interval": e.opts.Interval,
	}).Info("Heartbeat engine started")

	for {
		if e.Stopped() {
			return nil
		}

		delay, err := e.cycle(ctx)
		if err != nil {
			e.markStopped()
			return err
		}
		e.setNextReport(delay)

		select {
		case <-ctx.Done():
			e.Stop()
			return nil
		case <-e.stop:
			return nil
		case <-e.after(delay):
		}
	}
}

// Stop cancels any scheduled cycle. An exchange already in progress is
// allowed to finish but nothing is scheduled after it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.markStopped()
		close(e.stop)
		e.log.Info("Heartbeat engine stopped")
	})
}

func (e *Engine) Stopped() bool {
	return e.State() == StateStopped
}

func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns a snapshot for the status API.
func (e *Engine) Status() types.EngineStatus {
	e.mu.Lock()
	status := e.status
	status.State = e.state.String()
	e.mu.Unlock()

	status.PendingReplies = e.replies.Len()
	status.InFlightMessages = e.dispatcher.InFlight()
	status.UptimeSeconds = int64(time.Since(e.startTime).Seconds())
	return status
}

// cycle performs one collect, send, classify round and returns the jittered
// delay before the next one.
func (e *Engine) cycle(ctx context.Context) (time.Duration, error) {
	payload := e.buildPayload(ctx)

	sendCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	outcome, err := e.transport.Send(sendCtx, payload)
	cancel()

	interval, err := e.classify(payload.MessageReplies, outcome, err)
	if err != nil {
		return 0, err
	}
	return applyJitter(interval, e.jitter()), nil
}

func (e *Engine) buildPayload(ctx context.Context) ReportPayload {
	metrics := e.metrics.Collect(ctx)
	return ReportPayload{
		HostID:         e.opts.HostID,
		HostMetrics:    metrics,
		Uptime:         int64(time.Since(e.startTime).Seconds()),
		Version:        e.opts.Version,
		Agents:         []any{},
		MessageReplies: e.replies.Drain(),
	}
}

// classify turns an exchange into the un-jittered wait before the next cycle.
// Replies taken for this report go back on the queue unless it succeeded.
func (e *Engine) classify(sent []types.MessageReply, outcome *ReportOutcome, sendErr error) (time.Duration, error) {
	if sendErr != nil {
		e.replies.Requeue(sent)
		wait := e.backoff.RecordFailure()
		e.recordExchange(0, sendErr)
		e.log.WithError(sendErr).WithFields(logrus.Fields{
			"failures": e.backoff.State().Failures,
			"retry_in": wait,
		}).Warn("Heartbeat failed")
		return wait, nil
	}

	log := e.log.WithField("status", outcome.StatusCode)

	switch code := outcome.StatusCode; {
	case outcome.Success():
		e.backoff.RecordSuccess()
		e.recordExchange(code, nil)

		var (
			commands []types.IncomingMessage
			serverMs int64
		)
		if outcome.DecodeErr != nil {
			log.WithError(outcome.DecodeErr).Warn("Heartbeat accepted but response was not understood")
		}
		if outcome.Response != nil {
			commands = outcome.Response.Commands
			serverMs = outcome.Response.NextHeartbeatMs
		}

		log.WithFields(logrus.Fields{
			"replies":  len(sent),
			"commands": len(commands),
		}).Debug("Heartbeat delivered")

		if len(commands) > 0 {
			e.dispatcher.Dispatch(commands)
		}
		return nextInterval(serverMs, e.opts.Interval), nil

	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.replies.Requeue(sent)
		e.recordExchange(code, ErrUnauthorized)
		log.Error("Control plane rejected the API key, heartbeat engine stopping")
		return 0, fmt.Errorf("heartbeat returned HTTP %d: %w", code, ErrUnauthorized)

	case code == http.StatusTooManyRequests:
		e.replies.Requeue(sent)
		wait := outcome.RetryAfter
		if !outcome.HasRetryAfter {
			wait = e.backoff.RecordFailure()
		}
		e.recordExchange(code, nil)
		log.WithField("retry_in", wait).Warn("Heartbeat rate limited")
		return wait, nil

	default:
		e.replies.Requeue(sent)
		wait := e.backoff.RecordFailure()
		e.recordExchange(code, nil)
		log.WithFields(logrus.Fields{
			"failures": e.backoff.State().Failures,
			"retry_in": wait,
		}).Warn("Heartbeat rejected by control plane")
		return wait, nil
	}
}

func (e *Engine) recordExchange(code int, err error) {
	now := time.Now()
	backoff := e.backoff.State()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.Cycles++
	e.status.LastStatusCode = code
	e.status.LastReportAt = &now
	e.status.ConsecutiveFailures = backoff.Failures
	e.status.BackoffMs = backoff.Delay.Milliseconds()
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
}

func (e *Engine) setNextReport(delay time.Duration) {
	next := time.Now().Add(delay)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		e.status.NextReportAt = &next
	}
}

func (e *Engine) markStopped() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateStopped
	e.status.NextReportAt = nil
}

// nextInterval honours a positive server suggestion, never going below 30s.
// Large suggestions are not capped.
func nextInterval(serverMs int64, fallback time.Duration) time.Duration {
	if serverMs <= 0 {
		return fallback
	}
	return max(time.Duration(serverMs)*time.Millisecond, minServerInterval)
}

func applyJitter(interval, jitter time.Duration) time.Duration {
	return max(interval+jitter, minDelay)
}

// randomJitter is uniform in [-5s, +5s].
func randomJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(2*maxJitter)+1)) - maxJitter
}
