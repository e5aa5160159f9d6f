package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/acoustio/beamline/pkg/signal"
)

// Acquisition defaults applied by [ApplyDefaults].
const (
	DefaultAvailableMems   = 32
	DefaultDatasetDuration = 1.0
	DefaultFileDuration    = 900.0
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Source.Kind == SourceRemote && cfg.Source.Remote.Mode == "" {
		cfg.Source.Remote.Mode = RemoteRun
	}
	if cfg.Acquisition.Datatype == "" {
		cfg.Acquisition.Datatype = signal.DatatypeInt32.String()
	}
	if cfg.Acquisition.Channels.AvailableMems == 0 {
		cfg.Acquisition.Channels.AvailableMems = DefaultAvailableMems
	}
	if len(cfg.Acquisition.Channels.Mems) == 0 {
		mems := make([]int, cfg.Acquisition.Channels.AvailableMems)
		for i := range mems {
			mems[i] = i
		}
		cfg.Acquisition.Channels.Mems = mems
	}
	if cfg.Antenna.Array == "" {
		cfg.Antenna.Array = "square32"
	}
	if cfg.Antenna.Unit == "" {
		cfg.Antenna.Unit = "m"
	}
	if cfg.Recording.DatasetDuration == 0 {
		cfg.Recording.DatasetDuration = DefaultDatasetDuration
	}
	if cfg.Recording.FileDuration == 0 {
		cfg.Recording.FileDuration = DefaultFileDuration
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Source
	if !cfg.Source.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("source.kind %q is invalid; valid values: synthetic, file, db, remote", cfg.Source.Kind))
	}
	switch cfg.Source.Kind {
	case SourceFile:
		if cfg.Source.File.Path == "" {
			errs = append(errs, errors.New("source.file.path is required when source.kind is file"))
		}
	case SourceDB:
		if cfg.Source.DB.Host == "" {
			errs = append(errs, errors.New("source.db.host is required when source.kind is db"))
		}
		if cfg.Source.DB.FileID <= 0 {
			errs = append(errs, errors.New("source.db.file_id is required when source.kind is db"))
		}
	case SourceRemote:
		if cfg.Source.Remote.URL == "" {
			errs = append(errs, errors.New("source.remote.url is required when source.kind is remote"))
		}
		if cfg.Source.Remote.Mode != "" && !cfg.Source.Remote.Mode.IsValid() {
			errs = append(errs, fmt.Errorf("source.remote.mode %q is invalid; valid values: run, master, listen", cfg.Source.Remote.Mode))
		}
		if cfg.Source.Remote.H5PassThrough != nil && cfg.Recording.Enabled {
			errs = append(errs, errors.New("source.remote.h5_pass_through and recording.enabled are mutually exclusive: the run would be recorded twice"))
		}
		if cfg.Source.Remote.H5PassThrough != nil && cfg.Source.Remote.Mode == RemoteListen {
			errs = append(errs, errors.New("source.remote.h5_pass_through requires run or master mode; a listener cannot control host recording"))
		}
	}

	// Acquisition
	acq := &cfg.Acquisition
	if acq.SamplingFrequency < 0 {
		errs = append(errs, fmt.Errorf("acquisition.sampling_frequency %v must not be negative", acq.SamplingFrequency))
	}
	if acq.FrameLength < 0 {
		errs = append(errs, fmt.Errorf("acquisition.frame_length %d must not be negative", acq.FrameLength))
	}
	if acq.Datatype != "" {
		if _, err := signal.ParseDatatype(acq.Datatype); err != nil {
			errs = append(errs, fmt.Errorf("acquisition.datatype %q is invalid; valid values: int32, float32, bint32, bfloat32", acq.Datatype))
		}
	}
	if acq.Start < 0 || acq.Start >= 100 {
		errs = append(errs, fmt.Errorf("acquisition.start %v is out of range [0, 100)", acq.Start))
	}
	if acq.PacingFraction < 0 || acq.PacingFraction >= 1 {
		errs = append(errs, fmt.Errorf("acquisition.pacing_fraction %v is out of range [0, 1)", acq.PacingFraction))
	}
	if len(acq.Channels.Mems) == 0 {
		errs = append(errs, errors.New("acquisition.channels.mems must activate at least one microphone"))
	}
	for _, m := range acq.Channels.Mems {
		if m < 0 || m >= acq.Channels.AvailableMems {
			errs = append(errs, fmt.Errorf("acquisition.channels.mems entry %d is out of range [0, %d)", m, acq.Channels.AvailableMems))
		}
	}
	for _, a := range acq.Channels.Analogs {
		if a < 0 || a >= acq.Channels.AvailableAnalogs {
			errs = append(errs, fmt.Errorf("acquisition.channels.analogs entry %d is out of range [0, %d)", a, acq.Channels.AvailableAnalogs))
		}
	}
	if acq.Channels.CounterSkip && !acq.Channels.Counter {
		slog.Warn("acquisition.channels.counter_skip has no effect without counter")
	}

	// Recording
	if cfg.Recording.Enabled {
		if cfg.Recording.RootDir == "" {
			errs = append(errs, errors.New("recording.rootdir is required when recording is enabled"))
		}
		if cfg.Recording.DatasetDuration <= 0 {
			errs = append(errs, fmt.Errorf("recording.dataset_duration %v must be positive", cfg.Recording.DatasetDuration))
		}
		if cfg.Recording.FileDuration < cfg.Recording.DatasetDuration {
			errs = append(errs, fmt.Errorf("recording.file_duration %v must not be shorter than one dataset (%v)",
				cfg.Recording.FileDuration, cfg.Recording.DatasetDuration))
		}
		if dt := cfg.Acquisition.Datatype; dt == signal.DatatypeRawInt32.String() || dt == signal.DatatypeRawFloat32.String() {
			errs = append(errs, fmt.Errorf("recording requires a structured datatype, not %q", dt))
		}
	}

	// Beamformer
	if cfg.Beamformer.Enabled {
		for axis := range cfg.Beamformer.Area {
			if cfg.Beamformer.Area[axis] < 0 {
				errs = append(errs, fmt.Errorf("beamformer.area[%d] %v must not be negative", axis, cfg.Beamformer.Area[axis]))
			}
			if cfg.Beamformer.Area[axis] > 0 && cfg.Beamformer.Quantization[axis] <= 0 {
				errs = append(errs, fmt.Errorf("beamformer.quantization[%d] must be positive for a non-zero area dimension", axis))
			}
		}
		bw := cfg.Beamformer.Bandwidth
		if bw[0] > bw[1] {
			errs = append(errs, fmt.Errorf("beamformer.bandwidth [%v, %v] is inverted", bw[0], bw[1]))
		}
		switch cfg.Antenna.Array {
		case "square32":
			if n := len(cfg.Acquisition.Channels.Mems); n > 32 {
				errs = append(errs, fmt.Errorf("antenna.array square32 has 32 microphones but %d are activated", n))
			}
		case "custom":
			if len(cfg.Antenna.Positions) == 0 {
				errs = append(errs, errors.New("antenna.positions is required when antenna.array is custom"))
			}
			if len(cfg.Antenna.Positions) > 0 && len(cfg.Antenna.Positions) != len(cfg.Acquisition.Channels.Mems) {
				errs = append(errs, fmt.Errorf("antenna.positions has %d entries for %d activated microphones",
					len(cfg.Antenna.Positions), len(cfg.Acquisition.Channels.Mems)))
			}
		default:
			errs = append(errs, fmt.Errorf("antenna.array %q is invalid; valid values: square32, custom", cfg.Antenna.Array))
		}
	}

	return errors.Join(errs...)
}
