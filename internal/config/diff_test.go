package config_test

import (
	"strings"
	"testing"

	"github.com/acoustio/beamline/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, validSynthetic)
	new := mustLoad(t, validSynthetic)

	d := config.Diff(old, new)
	if !d.Empty() {
		t.Errorf("diff of identical configs should be empty, got %+v", d)
	}
}

func TestDiff_LogLevelChange(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, validSynthetic)
	new := mustLoad(t, `
server:
  log_level: debug
source:
  kind: synthetic
acquisition:
  channels:
    mems: [0, 1, 2, 3]
`)

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if d.BeamformerChanged {
		t.Error("beamformer should be unchanged")
	}
}

func TestDiff_BeamformerRetune(t *testing.T) {
	t.Parallel()
	base := `
source:
  kind: synthetic
acquisition:
  channels:
    mems: [0, 1, 2, 3]
beamformer:
  enabled: true
  area: [1, 1, 0]
  quantization: [0.1, 0.1, 0]
  bandwidth: [%s]
`
	old := mustLoad(t, strings.Replace(base, "%s", "0.1, 0.4", 1))
	new := mustLoad(t, strings.Replace(base, "%s", "0.1, 0.8", 1))

	d := config.Diff(old, new)
	if !d.BeamformerChanged {
		t.Fatal("expected BeamformerChanged")
	}
	if d.NewBeamformer.Bandwidth != [2]float64{0.1, 0.8} {
		t.Errorf("NewBeamformer.Bandwidth = %v, want [0.1 0.8]", d.NewBeamformer.Bandwidth)
	}
	if d.LogLevelChanged {
		t.Error("log level should be unchanged")
	}
}
