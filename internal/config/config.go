// Package config provides the configuration schema and loader for the
// beamline acquisition engine.
package config

// LogLevel controls log verbosity for the engine.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SourceKind selects the acquisition backend.
type SourceKind string

const (
	// SourceSynthetic fabricates noise frames without hardware.
	SourceSynthetic SourceKind = "synthetic"

	// SourceFile replays recorded container files.
	SourceFile SourceKind = "file"

	// SourceDB streams a stored acquisition from the archive database.
	SourceDB SourceKind = "db"

	// SourceRemote streams live frames from a receiver host.
	SourceRemote SourceKind = "remote"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceSynthetic, SourceFile, SourceDB, SourceRemote:
		return true
	}
	return false
}

// RemoteMode selects how the remote backend engages the receiver.
type RemoteMode string

const (
	RemoteRun    RemoteMode = "run"
	RemoteMaster RemoteMode = "master"
	RemoteListen RemoteMode = "listen"
)

// IsValid reports whether m is a recognised remote mode.
func (m RemoteMode) IsValid() bool {
	switch m {
	case RemoteRun, RemoteMaster, RemoteListen:
		return true
	}
	return false
}

// Config is the root configuration structure for a beamline run.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Source      SourceConfig      `yaml:"source"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Antenna     AntennaConfig     `yaml:"antenna"`
	Recording   RecordingConfig   `yaml:"recording"`
	Beamformer  BeamformerConfig  `yaml:"beamformer"`
}

// ServerConfig holds logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the metrics and health endpoint
	// listens on (e.g., ":9100"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// SourceConfig selects and parameterizes the acquisition backend.
type SourceConfig struct {
	// Kind selects the backend.
	Kind SourceKind `yaml:"kind"`

	File   FileSourceConfig   `yaml:"file"`
	DB     DBSourceConfig     `yaml:"db"`
	Remote RemoteSourceConfig `yaml:"remote"`
}

// FileSourceConfig configures container-file replay.
type FileSourceConfig struct {
	// Path is a container file or a directory of container files.
	Path string `yaml:"path"`
}

// DBSourceConfig configures replay from the archive database.
type DBSourceConfig struct {
	// Host is the base URL of the archive API (e.g., "https://archive.lab/").
	Host string `yaml:"host"`

	// FileID identifies the stored acquisition to replay.
	FileID int `yaml:"file_id"`

	// Token is the credential sent in the Authorization header, if any.
	Token string `yaml:"token"`
}

// RemoteSourceConfig configures live streaming from a receiver host.
type RemoteSourceConfig struct {
	// URL is the receiver's websocket endpoint (e.g., "ws://mu32.lab:8002").
	URL string `yaml:"url"`

	// Mode selects run, master or listen engagement.
	Mode RemoteMode `yaml:"mode"`

	// H5PassThrough, when set, asks the receiver host to record the run on
	// its own storage while streaming.
	H5PassThrough *H5PassThroughConfig `yaml:"h5_pass_through"`
}

// H5PassThroughConfig mirrors the recording settings a receiver host
// accepts.
type H5PassThroughConfig struct {
	RootDir string `yaml:"rootdir"`

	// DatasetDuration is the time span of one dataset in seconds.
	DatasetDuration float64 `yaml:"dataset_duration"`

	// FileDuration is the rotation span of one container file in seconds.
	FileDuration float64 `yaml:"file_duration"`

	Compression bool `yaml:"compression"`

	// GzipLevel is the gzip level (1-9) the host uses when Compression is
	// set; 0 leaves the host default in place.
	GzipLevel int `yaml:"gzip_level"`
}

// AcquisitionConfig holds the parameters of the acquisition run itself.
type AcquisitionConfig struct {
	// SamplingFrequency in Hz. Defaults to 50000.
	SamplingFrequency float64 `yaml:"sampling_frequency"`

	// FrameLength is the number of samples per channel per frame.
	// Defaults to 256.
	FrameLength int `yaml:"frame_length"`

	// Datatype selects the sample representation: int32, float32, bint32
	// or bfloat32. Defaults to int32.
	Datatype string `yaml:"datatype"`

	// Duration bounds the run in seconds; 0 means unbounded (or until a
	// replay input is exhausted).
	Duration float64 `yaml:"duration"`

	// QueueSize bounds the consumer queue in frames. Defaults to 2.
	QueueSize int `yaml:"queue_size"`

	// QueueTimeout is the consumer wait in seconds. Defaults to 2.
	QueueTimeout float64 `yaml:"queue_timeout"`

	// PacingFraction is the share of each frame period a replay backend
	// reserves for downstream processing; 0 selects the backend default.
	PacingFraction float64 `yaml:"pacing_fraction"`

	// Start is the replay start offset as a percentage of the input
	// duration.
	Start float64 `yaml:"start"`

	// Loop restarts a replay when the input runs out.
	Loop bool `yaml:"loop"`

	Channels ChannelsConfig `yaml:"channels"`
}

// ChannelsConfig selects the active channels of the array.
type ChannelsConfig struct {
	// AvailableMems is the number of microphones the array carries.
	// Defaults to 32.
	AvailableMems int `yaml:"available_mems"`

	// Mems lists the activated microphone ids, in output row order.
	Mems []int `yaml:"mems"`

	// AvailableAnalogs is the number of analog inputs the array carries.
	AvailableAnalogs int `yaml:"available_analogs"`

	// Analogs lists the activated analog input ids.
	Analogs []int `yaml:"analogs"`

	// Counter enables the hardware sample counter channel.
	Counter bool `yaml:"counter"`

	// CounterSkip drops the counter from the output stream.
	CounterSkip bool `yaml:"counter_skip"`

	// Status enables the status channel.
	Status bool `yaml:"status"`
}

// AntennaConfig describes the array geometry used by the beamformer.
type AntennaConfig struct {
	// Array selects a predefined geometry ("square32") or "custom".
	Array string `yaml:"array"`

	// Unit is the length unit of custom positions: m, cm or mm.
	Unit string `yaml:"unit"`

	// Positions lists custom microphone coordinates, one [x, y, z] per
	// microphone, in activation order.
	Positions [][3]float64 `yaml:"positions"`

	// Offset translates the whole array, in meters.
	Offset [3]float64 `yaml:"offset"`
}

// RecordingConfig enables local container recording of delivered frames.
type RecordingConfig struct {
	Enabled bool `yaml:"enabled"`

	// RootDir is the directory container files are written to.
	RootDir string `yaml:"rootdir"`

	// DatasetDuration is the time span of one dataset in seconds.
	// Defaults to 1.
	DatasetDuration float64 `yaml:"dataset_duration"`

	// FileDuration is the rotation span of one container file in seconds.
	// Defaults to 900 (15 minutes).
	FileDuration float64 `yaml:"file_duration"`

	Compression bool `yaml:"compression"`

	// GzipLevel is the compression level (1-9) when Compression is set.
	GzipLevel int `yaml:"gzip_level"`

	Comment string `yaml:"comment"`
}

// BeamformerConfig enables the energy-map stage of the pipeline.
type BeamformerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Area is the dimensions of the search volume in meters.
	Area [3]float64 `yaml:"area"`

	// Quantization is the cell size per axis in meters.
	Quantization [3]float64 `yaml:"quantization"`

	// Position centers the search volume, in meters.
	Position [3]float64 `yaml:"position"`

	// Bandwidth is the integrated [low, high] band, normalized to the
	// Nyquist frequency unless BandwidthInHz is set.
	Bandwidth [2]float64 `yaml:"bandwidth"`

	BandwidthInHz bool `yaml:"bandwidth_in_hz"`
}
