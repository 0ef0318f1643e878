package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"behaviorbench/internal/backoff"
	"behaviorbench/internal/logger"
)

// ErrAbandoned is reported once a reconnector gives up. The observer must
// subscribe again explicitly.
var ErrAbandoned = errors.New("reconnect abandoned")

// Session is one physical connection to the event stream. Run blocks until
// the connection breaks or ctx is cancelled.
type Session interface {
	Run(ctx context.Context) error
	Close() error
}

// DialFunc opens a new session.
type DialFunc func(ctx context.Context) (Session, error)

// ConnState is the state of a reconnecting transport.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateAbandoned    ConnState = "abandoned"
	StateStopped      ConnState = "stopped"
)

// ReconnectConfig tunes a Reconnector.
type ReconnectConfig struct {
	Backoff     backoff.Exponential
	MaxAttempts int
	// OnState is called on every state change.
	OnState func(state ConnState, attempt int, err error)
	// OnReconnect is called after every successful dial except the first so
	// the observer can re-fetch current state.
	OnReconnect func(ctx context.Context)
}

// Reconnector keeps a session alive with bounded exponential backoff. It owns
// exactly one background goroutine while running.
type Reconnector struct {
	dial DialFunc
	cfg  ReconnectConfig

	mu     sync.Mutex
	state  ConnState
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconnector creates a reconnector. A non-positive MaxAttempts defaults to 10.
func NewReconnector(dial DialFunc, cfg ReconnectConfig) *Reconnector {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.Default()
	}
	return &Reconnector{dial: dial, cfg: cfg, state: StateStopped}
}

// Start launches the background loop. Calling Start on a running reconnector
// is an error.
func (r *Reconnector) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return fmt.Errorf("reconnector already running")
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.err = nil
	go r.loop(ctx, r.done)
	return nil
}

// Stop cancels the loop and waits for it to exit. All timers are stopped
// before Stop returns.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the loop exits, whether stopped or abandoned.
func (r *Reconnector) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns ErrAbandoned (wrapping the last failure) after giving up.
func (r *Reconnector) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// State returns the current connection state.
func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) setState(s ConnState, attempt int, err error) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	if r.cfg.OnState != nil {
		r.cfg.OnState(s, attempt, err)
	}
}

func (r *Reconnector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	connectedOnce := false
	r.setState(StateConnecting, 0, nil)

	for {
		sess, err := r.dial(ctx)
		if err == nil {
			if connectedOnce && r.cfg.OnReconnect != nil {
				r.cfg.OnReconnect(ctx)
			}
			connectedOnce = true
			attempt = 0
			r.setState(StateConnected, 0, nil)

			err = sess.Run(ctx)
			sess.Close()
		}

		if ctx.Err() != nil {
			r.setState(StateStopped, attempt, nil)
			return
		}

		if attempt >= r.cfg.MaxAttempts {
			r.mu.Lock()
			r.err = fmt.Errorf("%w after %d attempts: %v", ErrAbandoned, attempt, err)
			r.mu.Unlock()
			r.setState(StateAbandoned, attempt, err)
			logger.Logger.Warn("event stream abandoned", "attempts", attempt, "error", err)
			return
		}

		delay := r.cfg.Backoff.Next(attempt)
		attempt++
		r.setState(StateReconnecting, attempt, err)
		logger.Logger.Debug("event stream reconnecting", "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.setState(StateStopped, attempt, nil)
			return
		case <-timer.C:
		}
	}
}
