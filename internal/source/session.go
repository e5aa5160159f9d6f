package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acoustio/beamline/pkg/muh5"
	"github.com/acoustio/beamline/pkg/signal"
)

// State is a session lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SessionOption is a functional option for configuring a [Session].
type SessionOption func(*Session)

// WithLogger sets the logger for lifecycle events. The default is
// slog.Default.
func WithLogger(log *slog.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithRecorder attaches a container writer; every delivered frame is also
// persisted. The session closes the writer when the run ends.
func WithRecorder(w *muh5.Writer) SessionOption {
	return func(s *Session) { s.rec = w }
}

// Session drives one acquisition run: it owns the producer goroutine, the
// consumer queue and the optional recorder. A session runs at most once;
// create a new one for each run.
type Session struct {
	backend Backend
	sink    *Sink
	log     *slog.Logger
	rec     *muh5.Writer

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewSession validates the settings and prepares a session for backend.
// The settings are normalized in place.
func NewSession(backend Backend, settings *Settings, opts ...SessionOption) (*Session, error) {
	settings.Normalize()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		backend: backend,
		log:     slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sink = &Sink{
		settings: settings,
		queue:    signal.NewQueue(settings.QueueSize),
		rec:      s.rec,
	}
	return s, nil
}

// Run starts the producer goroutine. When the settings carry a duration the
// run ends by itself once it elapses. Run returns immediately; use Wait to
// join the producer.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return &ConfigError{Field: "session", Reason: fmt.Sprintf("already %s, sessions run at most once", s.state)}
	}

	settings := s.sink.settings
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if settings.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, settings.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	s.cancel = cancel
	s.state = StateRunning

	s.log.Info("acquisition started",
		"backend", s.backend.Name(),
		"sampling_frequency", settings.SamplingFrequency,
		"frame_length", settings.FrameLength,
		"channels", settings.Layout.ChannelCount(),
		"duration", settings.Duration,
	)

	go s.produce(runCtx)
	return nil
}

func (s *Session) produce(ctx context.Context) {
	err := s.backend.Stream(ctx, s.sink)
	s.sink.queue.Close()
	if s.rec != nil {
		if cerr := s.rec.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	s.mu.Lock()
	switch {
	case err == nil || errors.Is(err, context.DeadlineExceeded):
		// Input exhausted or the configured duration elapsed.
		if s.state == StateStopping {
			s.state = StateStopped
		} else {
			s.state = StateCompleted
		}
	case errors.Is(err, context.Canceled):
		s.state = StateStopped
	default:
		s.state = StateFailed
		s.err = err
	}
	final := s.state
	s.mu.Unlock()

	stats := s.sink.stats()
	if final == StateFailed {
		s.log.Error("acquisition failed", "backend", s.backend.Name(), "err", err,
			"delivered", stats.Delivered, "lost", stats.Lost)
	} else {
		s.log.Info("acquisition ended", "backend", s.backend.Name(), "state", final.String(),
			"delivered", stats.Delivered, "lost", stats.Lost)
	}
	close(s.done)
}

// Stop requests a graceful halt. It is safe to call from any goroutine and
// more than once; it does not wait for the producer.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StateStopping
	s.cancel()
}

// Wait blocks until the producer has ended and returns the error that
// failed the run, if any.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next pops the oldest queued frame, waiting up to the configured queue
// timeout. The second result is false when the timeout expires or the run
// has ended and the queue is drained.
func (s *Session) Next() (signal.Frame, bool) {
	return s.sink.queue.Get(s.sink.settings.QueueTimeout)
}

// Frames exposes the consumer queue for callers that manage their own
// timeouts.
func (s *Session) Frames() *signal.Queue { return s.sink.queue }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the session's frame accounting.
func (s *Session) Stats() Stats { return s.sink.stats() }

// Settings returns the normalized settings the session runs with.
func (s *Session) Settings() *Settings { return s.sink.settings }

// WaitTimeout is like Wait but gives up after d. It reports whether the
// producer ended in time.
func (s *Session) WaitTimeout(d time.Duration) (bool, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return true, s.err
	case <-time.After(d):
		return false, nil
	}
}
