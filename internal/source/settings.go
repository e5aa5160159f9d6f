package source

import (
	"fmt"
	"time"

	"github.com/acoustio/beamline/pkg/antenna"
	"github.com/acoustio/beamline/pkg/signal"
)

// Acquisition defaults shared by every backend.
const (
	DefaultFrameLength       = 256
	DefaultSamplingFrequency = 50000.0
	DefaultQueueSize         = 2
	DefaultQueueTimeout      = 2 * time.Second

	// Default share of each frame period reserved for downstream
	// processing when a replay backend paces its output.
	DefaultFilePacingFraction = 0.4
	DefaultDBPacingFraction   = 0.2
)

// ConfigError reports a settings combination a backend cannot run with.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "source: " + e.Reason
	}
	return fmt.Sprintf("source: %s: %s", e.Field, e.Reason)
}

// Settings describes one acquisition run. The zero value is not usable;
// call Normalize to apply defaults, then Validate.
type Settings struct {
	Layout antenna.ChannelLayout

	SamplingFrequency float64
	FrameLength       int
	Datatype          signal.Datatype
	Sensitivity       float64

	// Duration bounds the run; zero means unbounded (or, for replays,
	// until the input is exhausted).
	Duration time.Duration

	QueueSize    int
	QueueTimeout time.Duration

	// PacingFraction is the share of each frame period a replay backend
	// assumes the consumer needs, shortening its inter-frame sleep. Zero
	// selects the backend default.
	PacingFraction float64

	// Start is the replay start offset as a percentage of the input
	// duration, in [0, 100).
	Start float64
	// Loop restarts a replay from the beginning when the input runs out.
	Loop bool
}

// Normalize fills unset fields with the acquisition defaults.
func (s *Settings) Normalize() {
	if s.SamplingFrequency == 0 {
		s.SamplingFrequency = DefaultSamplingFrequency
	}
	if s.FrameLength == 0 {
		s.FrameLength = DefaultFrameLength
	}
	if s.Datatype == signal.DatatypeUnknown {
		s.Datatype = signal.DatatypeInt32
	}
	if s.Sensitivity == 0 {
		s.Sensitivity = signal.DefaultSensitivity
	}
	if s.QueueSize == 0 {
		s.QueueSize = DefaultQueueSize
	}
	if s.QueueTimeout == 0 {
		s.QueueTimeout = DefaultQueueTimeout
	}
}

// Validate checks the settings for internal consistency.
func (s *Settings) Validate() error {
	if err := s.Layout.Validate(); err != nil {
		return &ConfigError{Field: "channels", Reason: err.Error()}
	}
	if s.SamplingFrequency <= 0 {
		return &ConfigError{Field: "sampling_frequency", Reason: fmt.Sprintf("must be positive, got %v", s.SamplingFrequency)}
	}
	if s.FrameLength <= 0 {
		return &ConfigError{Field: "frame_length", Reason: fmt.Sprintf("must be positive, got %d", s.FrameLength)}
	}
	if !s.Datatype.Structured() && s.Datatype != signal.DatatypeRawInt32 && s.Datatype != signal.DatatypeRawFloat32 {
		return &ConfigError{Field: "datatype", Reason: "unknown sample datatype"}
	}
	if s.Duration < 0 {
		return &ConfigError{Field: "duration", Reason: "must not be negative"}
	}
	if s.QueueSize < 0 {
		return &ConfigError{Field: "queue_size", Reason: "must not be negative"}
	}
	if s.PacingFraction < 0 || s.PacingFraction >= 1 {
		return &ConfigError{Field: "pacing_fraction", Reason: fmt.Sprintf("must be in [0, 1), got %v", s.PacingFraction)}
	}
	if s.Start < 0 || s.Start >= 100 {
		return &ConfigError{Field: "start", Reason: fmt.Sprintf("must be a percentage in [0, 100), got %v", s.Start)}
	}
	return nil
}

// pacing returns the inter-frame sleep for a replay backend: the frame
// period minus the configured processing allowance.
func (s *Settings) pacing(defaultFraction float64) time.Duration {
	frac := s.PacingFraction
	if frac == 0 {
		frac = defaultFraction
	}
	return time.Duration(float64(s.FrameDuration()) * (1 - frac))
}
