package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: anything touching
// the acquisition pipeline itself requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BeamformerChanged is set when the search volume, bandwidth or enable
	// flag changed. The beamformer can be rebuilt between frames without
	// interrupting acquisition.
	BeamformerChanged bool
	NewBeamformer     BeamformerConfig
}

// Empty reports whether the diff carries no applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.BeamformerChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Beamformer != new.Beamformer {
		d.BeamformerChanged = true
		d.NewBeamformer = new.Beamformer
	}

	return d
}
