package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	configpkg "github.com/drblury/rabbitflow/internal/runtime/config"
	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/rabbitflow/internal/runtime/logging"
)

// ReconnectPolicy tunes the reconnect backoff.
type ReconnectPolicy = configpkg.ReconnectConfig

// ReconnectInfo is passed to the reconnect handler before each delay starts.
type ReconnectInfo struct {
	// Attempts counts the reconnect attempts made since the last successful connection.
	Attempts int
	Delay    time.Duration
	Err      error
}

// ReconnectHandler observes scheduled reconnects. Returning ErrStopReconnecting
// stops all further attempts; other errors are logged and ignored.
type ReconnectHandler func(ctx context.Context, info ReconnectInfo) error

// ConnectionState is the state of the reconnect state machine.
type ConnectionState int

const (
	StateReconnecting ConnectionState = iota
	StateConnected
	StateBackoffWait
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateBackoffWait:
		return "BACKOFF_WAIT"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionSnapshot is a point-in-time copy of the reconnect state.
type ConnectionSnapshot struct {
	State     ConnectionState `json:"state"`
	Alive     bool            `json:"alive"`
	Attempts  int             `json:"attempts"`
	Delay     time.Duration   `json:"delay_ns"`
	LastError string          `json:"last_error,omitempty"`
}

type timerHandle interface {
	Stop() bool
}

type afterFuncFn func(d time.Duration, f func()) timerHandle

func stdAfterFunc(d time.Duration, f func()) timerHandle {
	return time.AfterFunc(d, f)
}

// reconnector drives reconnects. Every connection attempt gets a generation
// number; failures reported for an older generation are stale and ignored.
type reconnector struct {
	mu         sync.Mutex
	policy     ReconnectPolicy
	state      ConnectionState
	alive      bool
	attempts   int
	delay      time.Duration
	timer      timerHandle
	generation uint64
	lastErr    error

	handler   ReconnectHandler
	afterFunc afterFuncFn
	logger    loggingpkg.ServiceLogger

	// attempt dials a new connection for the generation. Set by the service.
	attempt func(gen uint64)
	// stopped is told why reconnecting ended for good.
	stopped func(err error)
	// observe receives every transition, for metrics.
	observe func(state ConnectionState, attempts int, delay time.Duration)
}

func newReconnector(policy ReconnectPolicy, logger loggingpkg.ServiceLogger) *reconnector {
	return &reconnector{
		policy:    policy,
		state:     StateReconnecting,
		afterFunc: stdAfterFunc,
		logger:    logger,
	}
}

func (r *reconnector) setHandler(h ReconnectHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *reconnector) setPolicy(p ReconnectPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// current returns the generation of the connection being established or in use.
func (r *reconnector) current() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func (r *reconnector) isCurrent(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return gen == r.generation && r.state != StateStopped
}

// connected records a successful connection for gen. It reports false when gen
// is stale and the caller should drop the connection.
func (r *reconnector) connected(gen uint64) bool {
	r.mu.Lock()
	if gen != r.generation || r.state == StateStopped {
		r.mu.Unlock()
		return false
	}
	r.state = StateConnected
	r.alive = true
	r.attempts = 0
	r.delay = 0
	r.lastErr = nil
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Info("Connection ready", loggingpkg.LogFields{"generation": gen})
	return true
}

// failed handles a qualifying connection failure for gen.
func (r *reconnector) failed(gen uint64, cause error) {
	r.mu.Lock()
	if gen != r.generation || r.state == StateBackoffWait || r.state == StateStopped {
		state := r.state
		r.mu.Unlock()
		r.logger.Debug("Ignoring connection failure", loggingpkg.LogFields{
			"generation": gen,
			"state":      state.String(),
			"error":      errString(cause),
		})
		return
	}

	r.alive = false
	r.lastErr = cause
	if r.policy.Disabled {
		r.state = StateStopped
		r.notifyLocked()
		stopped := r.stopped
		r.mu.Unlock()
		r.logger.Error("Connection lost and reconnecting is disabled", cause, nil)
		if stopped != nil {
			stopped(cause)
		}
		return
	}

	r.delay = r.nextDelayLocked()
	r.state = StateBackoffWait
	r.notifyLocked()
	info := ReconnectInfo{Attempts: r.attempts, Delay: r.delay, Err: cause}
	handler := r.handler
	r.mu.Unlock()

	r.logger.Info("Scheduling reconnect", loggingpkg.LogFields{
		"attempts": info.Attempts,
		"delay":    info.Delay.String(),
		"error":    errString(cause),
	})

	if errors.Is(r.callHandler(handler, info), errspkg.ErrStopReconnecting) {
		r.mu.Lock()
		if r.state != StateBackoffWait {
			r.mu.Unlock()
			return
		}
		r.state = StateStopped
		r.notifyLocked()
		stopped := r.stopped
		r.mu.Unlock()
		r.logger.Info("Reconnect handler stopped reconnecting", loggingpkg.LogFields{"attempts": info.Attempts})
		if stopped != nil {
			stopped(errspkg.ErrStopReconnecting)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateBackoffWait || r.timer != nil {
		return
	}
	r.timer = r.afterFunc(info.Delay, r.fire)
}

func (r *reconnector) callHandler(handler ReconnectHandler, info ReconnectInfo) (err error) {
	if handler == nil {
		return nil
	}
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("Reconnect handler panicked", &errspkg.PanicError{Value: v}, nil)
			err = nil
		}
	}()
	err = handler(context.Background(), info)
	if err != nil && !errors.Is(err, errspkg.ErrStopReconnecting) {
		r.logger.Error("Reconnect handler failed", err, loggingpkg.LogFields{"attempts": info.Attempts})
	}
	return err
}

// fire runs when the backoff delay has elapsed.
func (r *reconnector) fire() {
	r.mu.Lock()
	if r.state != StateBackoffWait {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.state = StateReconnecting
	r.attempts++
	r.generation++
	gen := r.generation
	attempts := r.attempts
	attempt := r.attempt
	r.notifyLocked()
	r.mu.Unlock()

	r.logger.Info("Reconnecting", loggingpkg.LogFields{"attempts": attempts, "generation": gen})
	if attempt != nil {
		attempt(gen)
	}
}

// stop cancels any pending timer and invalidates in-flight attempts.
func (r *reconnector) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.state = StateStopped
	r.alive = false
	r.generation++
	r.notifyLocked()
}

func (r *reconnector) nextDelayLocked() time.Duration {
	if r.delay <= 0 {
		return r.capDelay(float64(r.policy.StartDelay))
	}
	return r.capDelay(float64(r.delay) * r.policy.Multiplier)
}

// capDelay clamps d to MaxDelay before converting, so growth past the int64
// range cannot wrap into a negative duration.
func (r *reconnector) capDelay(d float64) time.Duration {
	if r.policy.MaxDelay > 0 && d > float64(r.policy.MaxDelay) {
		return r.policy.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (r *reconnector) notifyLocked() {
	if r.observe != nil {
		r.observe(r.state, r.attempts, r.delay)
	}
}

func (r *reconnector) snapshot() ConnectionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ConnectionSnapshot{
		State:     r.state,
		Alive:     r.alive,
		Attempts:  r.attempts,
		Delay:     r.delay,
		LastError: errString(r.lastErr),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
